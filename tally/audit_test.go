package tally

import (
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/votingworks/arlo-e2e/cvr"
)

const cleanAuditReport = `######## SAMPLED BALLOTS ########
Imprinted ID,Audited?,Audit Result: C1 Vote for 1,CVR Result: C1 Vote for 1,Discrepancy: C1 Vote for 1
b0000001,AUDITED,A,A,
b0000002,NOT_AUDITED,,,
b0000003,AUDITED,B,B,
`

const discrepantAuditReport = `######## SAMPLED BALLOTS ########
Imprinted ID,Audited?,Audit Result: C1,CVR Result: C1,Discrepancy: C1
b0000003,AUDITED,B,A,1
`

func TestAuditReconciliation(t *testing.T) {
	c := qt.New(t)
	root := runAndSeal(t, makeParsed(), 2, 1)
	lr, err := LoadResults(root)
	c.Assert(err, qt.IsNil)

	sampled, err := cvr.ParseAuditReport(strings.NewReader(cleanAuditReport))
	c.Assert(err, qt.IsNil)

	mismatches, err := Reconcile(lr, sampled, []byte("test-seed"))
	c.Assert(err, qt.IsNil)
	c.Assert(mismatches, qt.HasLen, 0)
}

func TestAuditReconciliationReportsMismatch(t *testing.T) {
	c := qt.New(t)
	root := runAndSeal(t, makeParsed(), 1, 1)
	lr, err := LoadResults(root)
	c.Assert(err, qt.IsNil)

	// ballot b0000003 was cast for B; a report claiming the CVR said A
	// must surface as a mismatch (the Audit Result and Discrepancy
	// columns play no part in the decision)
	sampled, err := cvr.ParseAuditReport(strings.NewReader(discrepantAuditReport))
	c.Assert(err, qt.IsNil)

	mismatches, err := Reconcile(lr, sampled, []byte("test-seed"))
	c.Assert(err, qt.IsNil)
	c.Assert(mismatches, qt.HasLen, 1)
	c.Assert(mismatches[0].BallotID, qt.Equals, "b0000003")
	c.Assert(mismatches[0].Contest, qt.Equals, "C1")
	c.Assert(mismatches[0].Expected, qt.Equals, "A")
	c.Assert(mismatches[0].Decrypted, qt.Equals, "B")
}

func TestAuditReconciliationUnknownBallot(t *testing.T) {
	c := qt.New(t)
	root := runAndSeal(t, makeParsed(), 1, 1)
	lr, err := LoadResults(root)
	c.Assert(err, qt.IsNil)

	report := `######## SAMPLED BALLOTS ########
Imprinted ID,Audited?,CVR Result: C1
b9999999,AUDITED,A
`
	sampled, err := cvr.ParseAuditReport(strings.NewReader(report))
	c.Assert(err, qt.IsNil)

	_, err = Reconcile(lr, sampled, []byte("test-seed"))
	c.Assert(err, qt.ErrorIs, cvr.ErrInputMalformed)
}
