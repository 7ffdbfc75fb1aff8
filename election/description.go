// Package election defines the domain objects of a tally run: the election
// description parsed from a CVR export, plaintext and ciphertext ballots,
// the tracking-hash chain and the encrypted tally.
package election

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/votingworks/arlo-e2e/types"
)

// ErrInputMalformed is wrapped by every failure caused by out-of-range or
// inconsistent ballot input.
var ErrInputMalformed = fmt.Errorf("malformed input")

// SelectionDescription names one selectable option inside a contest. A
// write-in slot is a selection like any other, except that plaintext
// ballots may attach an unencrypted string payload to it.
type SelectionDescription struct {
	Name      string `json:"name"`
	IsWriteIn bool   `json:"is_write_in,omitempty"`
}

// ContestDescription describes a "vote for up to k" contest.
type ContestDescription struct {
	Name         string                 `json:"name"`
	VotesAllowed int                    `json:"votes_allowed"`
	Selections   []SelectionDescription `json:"selections"`
}

// Selection returns the description of the named selection, if present.
func (cd *ContestDescription) Selection(name string) (SelectionDescription, bool) {
	for _, s := range cd.Selections {
		if s.Name == name {
			return s, true
		}
	}
	return SelectionDescription{}, false
}

// Description is the election definition extracted from the CVR export:
// the election identity plus the ordered contests.
type Description struct {
	ElectionName string               `json:"election_name"`
	Jurisdiction string               `json:"jurisdiction,omitempty"`
	Contests     []ContestDescription `json:"contests"`
}

// Contest returns the description of the named contest, if present.
func (d *Description) Contest(name string) (*ContestDescription, bool) {
	for i := range d.Contests {
		if d.Contests[i].Name == name {
			return &d.Contests[i], true
		}
	}
	return nil, false
}

// Hash returns the SHA-256 of the canonical JSON serialization. It anchors
// the tracking-hash chain and the cryptographic context.
func (d *Description) Hash() (types.HexBytes, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("could not marshal election description: %w", err)
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// Metadata is the sidecar written next to the encrypted tally so that
// audit tools can interpret it without re-parsing the CVR export.
type Metadata struct {
	ElectionName string         `json:"election_name"`
	BallotCount  uint64         `json:"ballot_count"`
	BallotIDs    []string       `json:"ballot_ids"`
	Contests     map[string]int `json:"contests"` // contest name -> votes allowed
}

// Context is the public cryptographic context of a sealed tally: the
// election public key and the description hash the chain starts from.
type Context struct {
	PublicKey    *types.BigInt  `json:"public_key"`
	ElectionHash types.HexBytes `json:"election_hash"`
	BallotCount  uint64         `json:"ballot_count"`
}

// SelectionKey is the canonical (contest, selection) key used by the
// reducer and the tally maps. The separator matches the manifest logical
// name convention, so keys serialize identically on every platform.
func SelectionKey(contest, selection string) string {
	return contest + types.ManifestSeparator + selection
}

// SplitSelectionKey is the inverse of SelectionKey.
func SplitSelectionKey(key string) (contest, selection string, err error) {
	i := strings.LastIndex(key, types.ManifestSeparator)
	if i < 0 {
		return "", "", fmt.Errorf("%w: invalid selection key %q", ErrInputMalformed, key)
	}
	return key[:i], key[i+1:], nil
}
