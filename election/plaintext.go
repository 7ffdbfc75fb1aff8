package election

import "fmt"

// PlaintextSelection is a voter's 0/1 choice for one selection. For
// write-in slots the string payload rides along unencrypted; only the
// indicator is ever encrypted.
type PlaintextSelection struct {
	Name    string `json:"name"`
	Vote    uint64 `json:"vote"`
	WriteIn string `json:"write_in,omitempty"`
}

// PlaintextContest groups the selections of one contest on one ballot.
type PlaintextContest struct {
	Name       string               `json:"name"`
	Selections []PlaintextSelection `json:"selections"`
}

// VoteSum returns the number of selections marked on the contest.
func (pc *PlaintextContest) VoteSum() uint64 {
	var sum uint64
	for _, s := range pc.Selections {
		sum += s.Vote
	}
	return sum
}

// PlaintextBallot is a single CVR row, canonicalized. It is consumed by
// the encryption mapper and never persisted.
type PlaintextBallot struct {
	BallotID string             `json:"ballot_id"`
	Contests []PlaintextContest `json:"contests"`
}

// Validate checks the ballot against the election description: every
// contest and selection must be declared, every vote must be 0 or 1, and
// each contest sum must respect its bound. Any violation is fatal input.
func (pb *PlaintextBallot) Validate(desc *Description) error {
	if pb.BallotID == "" {
		return fmt.Errorf("%w: ballot without id", ErrInputMalformed)
	}
	for _, contest := range pb.Contests {
		cd, ok := desc.Contest(contest.Name)
		if !ok {
			return fmt.Errorf("%w: ballot %s references unknown contest %q",
				ErrInputMalformed, pb.BallotID, contest.Name)
		}
		for _, sel := range contest.Selections {
			if _, ok := cd.Selection(sel.Name); !ok {
				return fmt.Errorf("%w: ballot %s contest %q references unknown selection %q",
					ErrInputMalformed, pb.BallotID, contest.Name, sel.Name)
			}
			if sel.Vote > 1 {
				return fmt.Errorf("%w: ballot %s contest %q selection %q has vote %d, expected 0 or 1",
					ErrInputMalformed, pb.BallotID, contest.Name, sel.Name, sel.Vote)
			}
		}
		if sum := contest.VoteSum(); sum > uint64(cd.VotesAllowed) {
			return fmt.Errorf("%w: ballot %s contest %q has %d votes, at most %d allowed",
				ErrInputMalformed, pb.BallotID, contest.Name, sum, cd.VotesAllowed)
		}
	}
	return nil
}
