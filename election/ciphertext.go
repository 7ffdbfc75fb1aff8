package election

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/votingworks/arlo-e2e/crypto/elgamal"
)

// CiphertextSelection is one encrypted 0/1 choice together with its
// disjunctive proof.
type CiphertextSelection struct {
	Name       string                    `json:"name"`
	Ciphertext *elgamal.Ciphertext       `json:"ciphertext"`
	Proof      *elgamal.DisjunctiveProof `json:"proof"`
}

// CiphertextContest groups a contest's encrypted selections with the
// homomorphic sum of the contest and the range proof that the sum is in
// [0, votes_allowed].
type CiphertextContest struct {
	Name         string                    `json:"name"`
	VotesAllowed int                       `json:"votes_allowed"`
	Selections   []CiphertextSelection     `json:"selections"`
	Sum          *elgamal.Ciphertext       `json:"sum"`
	SumProof     *elgamal.DisjunctiveProof `json:"sum_proof"`
}

// CiphertextBallot is the encrypted, provable form of one CVR row: it is
// written once through the manifest and read back only for verification or
// audit reconciliation.
type CiphertextBallot struct {
	BallotID     string              `json:"object_id"`
	Contests     []CiphertextContest `json:"contests"`
	PreviousHash string              `json:"previous_tracking_hash,omitempty"`
	TrackingHash string              `json:"tracking_hash,omitempty"`
	Timestamp    int64               `json:"timestamp"`
}

// CryptoHash hashes the ballot's cryptographic payload: the id plus every
// selection and contest-sum ciphertext, in ballot order. Proof bytes are
// not included; the proofs are bound to the ciphertexts by their own
// Fiat-Shamir challenges.
func (cb *CiphertextBallot) CryptoHash() []byte {
	h := sha256.New()
	h.Write([]byte(cb.BallotID))
	for _, contest := range cb.Contests {
		h.Write([]byte(contest.Name))
		for _, sel := range contest.Selections {
			h.Write([]byte(sel.Name))
			h.Write(sel.Ciphertext.Serialize())
		}
		h.Write(contest.Sum.Serialize())
	}
	return h.Sum(nil)
}

// Contest returns the ciphertext contest with the given name, if present.
func (cb *CiphertextBallot) Contest(name string) (*CiphertextContest, bool) {
	for i := range cb.Contests {
		if cb.Contests[i].Name == name {
			return &cb.Contests[i], true
		}
	}
	return nil, false
}

// ChainItem is the per-ballot input of the tracking chain: the ballot id
// and its cryptographic payload hash. Computing the chain from these pairs
// means no stage has to hold the full ciphertext corpus in memory.
type ChainItem struct {
	BallotID   string
	CryptoHash []byte
}

// ChainLink is the pair of tracking hashes recorded on one ballot.
type ChainLink struct {
	Previous string
	Tracking string
}

// ChainItem returns the ballot's chain input.
func (cb *CiphertextBallot) ChainItem() ChainItem {
	return ChainItem{BallotID: cb.BallotID, CryptoHash: cb.CryptoHash()}
}

// chainStep computes one link of the tracking chain.
func chainStep(prev []byte, item ChainItem) []byte {
	h := sha256.New()
	h.Write(prev)
	h.Write([]byte(item.BallotID))
	h.Write(item.CryptoHash)
	return h.Sum(nil)
}

// ComputeChainLinks computes the tracking chain over the items, anchored
// at the election description hash. Items are processed in ascending id
// order regardless of the slice order, so the chain is deterministic no
// matter how encryption was parallelized. The slice is re-sorted in place.
func ComputeChainLinks(electionHash []byte, items []ChainItem) map[string]ChainLink {
	sort.Slice(items, func(i, j int) bool {
		return items[i].BallotID < items[j].BallotID
	})
	links := make(map[string]ChainLink, len(items))
	prev := sha256.Sum256(electionHash)
	prevB64 := base64.StdEncoding.EncodeToString(prev[:])
	cur := prev[:]
	for _, item := range items {
		cur = chainStep(cur, item)
		trackingB64 := base64.StdEncoding.EncodeToString(cur)
		links[item.BallotID] = ChainLink{Previous: prevB64, Tracking: trackingB64}
		prevB64 = trackingB64
	}
	return links
}

// ChainBallots links the ballots into the tracking-hash chain, setting the
// tracking fields on every ballot. The slice is re-sorted by id in place.
func ChainBallots(electionHash []byte, ballots []*CiphertextBallot) {
	sort.Slice(ballots, func(i, j int) bool {
		return ballots[i].BallotID < ballots[j].BallotID
	})
	items := make([]ChainItem, len(ballots))
	for i, cb := range ballots {
		items[i] = cb.ChainItem()
	}
	links := ComputeChainLinks(electionHash, items)
	for _, cb := range ballots {
		link := links[cb.BallotID]
		cb.PreviousHash = link.Previous
		cb.TrackingHash = link.Tracking
	}
}

// VerifyChain recomputes the tracking chain over the ballots and compares
// every link against the stored values.
func VerifyChain(electionHash []byte, ballots []*CiphertextBallot) error {
	items := make([]ChainItem, len(ballots))
	for i, cb := range ballots {
		items[i] = cb.ChainItem()
	}
	links := ComputeChainLinks(electionHash, items)
	for _, cb := range ballots {
		link := links[cb.BallotID]
		if cb.PreviousHash != link.Previous {
			return fmt.Errorf("%w: ballot %s previous tracking hash mismatch",
				elgamal.ErrCryptoInvariant, cb.BallotID)
		}
		if cb.TrackingHash != link.Tracking {
			return fmt.Errorf("%w: ballot %s tracking hash mismatch",
				elgamal.ErrCryptoInvariant, cb.BallotID)
		}
	}
	return nil
}
