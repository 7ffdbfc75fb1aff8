package cvr

import (
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

const sampleCVR = `General Election,Inyo County
,,"C1 (Vote For=1)","C1 (Vote For=1)","C2 (Vote For=2)","C2 (Vote For=2)","C2 (Vote For=2)"
,,Alice,Bob,"Carol
Smith",Dave,Write-in
CvrNumber,ImprintedId,,,,,
1,1-1-1,1,0,1,1,
2,1-1-2,0,1,,,
3,1-1-3,1,0,0,0,Zebra
`

func TestParseCVR(t *testing.T) {
	c := qt.New(t)
	parsed, err := Parse(strings.NewReader(sampleCVR))
	c.Assert(err, qt.IsNil)

	c.Assert(parsed.Description.ElectionName, qt.Equals, "General Election")
	c.Assert(parsed.Description.Jurisdiction, qt.Equals, "Inyo County")
	c.Assert(parsed.Description.Contests, qt.HasLen, 2)

	c1, ok := parsed.Description.Contest("C1")
	c.Assert(ok, qt.IsTrue)
	c.Assert(c1.VotesAllowed, qt.Equals, 1)
	c.Assert(c1.Selections, qt.HasLen, 2)

	c2, ok := parsed.Description.Contest("C2")
	c.Assert(ok, qt.IsTrue)
	c.Assert(c2.VotesAllowed, qt.Equals, 2)
	c.Assert(c2.Selections, qt.HasLen, 3)
	// embedded newline in a candidate name collapses to a space
	c.Assert(c2.Selections[0].Name, qt.Equals, "Carol Smith")
	c.Assert(c2.Selections[2].IsWriteIn, qt.IsTrue)

	c.Assert(parsed.Ballots, qt.HasLen, 3)
	c.Assert(parsed.Ballots[0].BallotID, qt.Equals, "1-1-1")
	c.Assert(parsed.Metadata.BallotCount, qt.Equals, uint64(3))

	// ballot 2 has an empty C2 cluster: the contest is absent
	b2 := parsed.Ballots[1]
	c.Assert(b2.Contests, qt.HasLen, 1)
	c.Assert(b2.Contests[0].Name, qt.Equals, "C1")

	// ballot 3 carries a write-in payload
	b3 := parsed.Ballots[2]
	c.Assert(b3.Contests, qt.HasLen, 2)
	writeIn := b3.Contests[1].Selections[2]
	c.Assert(writeIn.Vote, qt.Equals, uint64(1))
	c.Assert(writeIn.WriteIn, qt.Equals, "Zebra")
}

func TestParseCVRMissingImprintedID(t *testing.T) {
	c := qt.New(t)
	input := `Election
,"C1","C1"
,Alice,Bob
CvrNumber,,
1,1,0
`
	parsed, err := Parse(strings.NewReader(input))
	c.Assert(err, qt.IsNil)
	// without an imprinted-id column, ids are synthesized
	c.Assert(parsed.Ballots[0].BallotID, qt.Equals, "b0000001")
	// no vote-for suffix defaults to k=1
	c1, _ := parsed.Description.Contest("C1")
	c.Assert(c1.VotesAllowed, qt.Equals, 1)
}

func TestParseCVRRejectsBadCells(t *testing.T) {
	c := qt.New(t)
	input := `Election
,"C1","C1"
,Alice,Bob
CvrNumber,,
1,banana,0
`
	_, err := Parse(strings.NewReader(input))
	c.Assert(err, qt.ErrorIs, ErrInputMalformed)
}

func TestParseCVRTooShort(t *testing.T) {
	c := qt.New(t)
	_, err := Parse(strings.NewReader("just,one,row\n"))
	c.Assert(err, qt.ErrorIs, ErrInputMalformed)
}
