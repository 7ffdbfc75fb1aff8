package election

import (
	"github.com/votingworks/arlo-e2e/crypto/elgamal"
	"github.com/votingworks/arlo-e2e/types"
)

// TallyEntry is the decrypted aggregate for one (contest, selection) key:
// the count, the aggregate ciphertext it was decrypted from, the partial
// decryption share M = alpha^s and the Chaum-Pedersen proof that
// (g, K, alpha, M) is a DDH tuple.
type TallyEntry struct {
	Contest    string                      `json:"contest"`
	Selection  string                      `json:"selection"`
	Count      uint64                      `json:"count"`
	Ciphertext *elgamal.Ciphertext         `json:"ciphertext"`
	Share      *types.BigInt               `json:"share"`
	Proof      *elgamal.ChaumPedersenProof `json:"proof"`
}

// SelectionTally maps every (contest, selection) key to its decrypted
// aggregate. The map key is SelectionKey(contest, selection), so the JSON
// serialization is canonical (encoding/json sorts map keys).
type SelectionTally struct {
	Entries map[string]*TallyEntry `json:"entries"`
	// BallotsPerContest is the number of cast ballots containing each
	// contest; it bounds the discrete-log search during decryption and
	// the contest-total sanity check during verification.
	BallotsPerContest map[string]uint64 `json:"ballots_per_contest"`
}

// NewSelectionTally returns an empty tally.
func NewSelectionTally() *SelectionTally {
	return &SelectionTally{
		Entries:           map[string]*TallyEntry{},
		BallotsPerContest: map[string]uint64{},
	}
}

// Entry returns the tally entry for the given contest and selection.
func (t *SelectionTally) Entry(contest, selection string) (*TallyEntry, bool) {
	e, ok := t.Entries[SelectionKey(contest, selection)]
	return e, ok
}
