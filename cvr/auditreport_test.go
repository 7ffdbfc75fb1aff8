package cvr

import (
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

const sampleAuditReport = `######## ELECTION INFO ########
Election Name,State
General Election,CA
######## SAMPLED BALLOTS ########
Jurisdiction Name,Imprinted ID,Audited?,Audit Result: C1 Vote for 1,CVR Result: C1 Vote for 1,Discrepancy: C1 Vote for 1
Inyo,1-1-1,AUDITED,Alice,Alice,
Inyo,1-1-2,NOT_AUDITED,,,
Inyo,1-1-3,AUDITED,CONTEST_NOT_ON_BALLOT,Bob,1
######## ROUNDS ########
Round,Size
1,3
`

func TestParseAuditReport(t *testing.T) {
	c := qt.New(t)
	sampled, err := ParseAuditReport(strings.NewReader(sampleAuditReport))
	c.Assert(err, qt.IsNil)
	c.Assert(sampled, qt.HasLen, 3)

	b1 := sampled[0]
	c.Assert(b1.ImprintedID, qt.Equals, "1-1-1")
	c.Assert(b1.IsAudited(), qt.IsTrue)
	// the " Vote for 1" suffix is stripped from contest names
	c.Assert(b1.CVRResult["C1"], qt.Not(qt.IsNil))
	c.Assert(*b1.CVRResult["C1"], qt.Equals, "Alice")
	c.Assert(b1.Discrepancy["C1"], qt.IsNil)
	c.Assert(b1.Metadata["Jurisdiction Name"], qt.Equals, "Inyo")

	c.Assert(sampled[1].IsAudited(), qt.IsFalse)

	b3 := sampled[2]
	c.Assert(b3.AuditResult["C1"], qt.IsNil) // CONTEST_NOT_ON_BALLOT normalizes to nil
	c.Assert(*b3.CVRResult["C1"], qt.Equals, "Bob")
}

func TestParseAuditReportNoSection(t *testing.T) {
	c := qt.New(t)
	_, err := ParseAuditReport(strings.NewReader("######## ROUNDS ########\nRound\n1\n"))
	c.Assert(err, qt.ErrorIs, ErrInputMalformed)
}

func TestParseAuditReportEmptySection(t *testing.T) {
	c := qt.New(t)
	sampled, err := ParseAuditReport(strings.NewReader("######## SAMPLED BALLOTS ########\n"))
	c.Assert(err, qt.IsNil)
	c.Assert(sampled, qt.HasLen, 0)
}
