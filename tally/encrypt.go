package tally

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/votingworks/arlo-e2e/crypto/elgamal"
	"github.com/votingworks/arlo-e2e/election"
	"github.com/votingworks/arlo-e2e/log"
	"github.com/votingworks/arlo-e2e/storage"
)

// EncryptBallot turns one plaintext ballot into its ciphertext form: every
// selection is encrypted under a deterministically derived nonce with a
// 0/1 disjunctive proof, and every contest gets the homomorphic sum of its
// selections with a range proof for the contest bound. Tracking-hash
// fields are left empty; the serial chain pass stamps them afterwards.
func EncryptBallot(group *elgamal.Group, desc *election.Description, pb *election.PlaintextBallot,
	ns *elgamal.NonceStream, publicKey *big.Int, timestamp int64,
) (*election.CiphertextBallot, error) {
	if err := pb.Validate(desc); err != nil {
		return nil, err
	}
	cb := &election.CiphertextBallot{
		BallotID:  pb.BallotID,
		Timestamp: timestamp,
	}
	for _, contest := range pb.Contests {
		cd, _ := desc.Contest(contest.Name) // existence checked by Validate
		cc := election.CiphertextContest{
			Name:         contest.Name,
			VotesAllowed: cd.VotesAllowed,
			Sum:          elgamal.NewCiphertext(),
		}
		sumNonce := new(big.Int)
		var voteSum uint64
		for _, sel := range contest.Selections {
			nonce := ns.Nonce(pb.BallotID, contest.Name, sel.Name)
			ct, err := elgamal.Encrypt(group, sel.Vote, nonce, publicKey)
			if err != nil {
				return nil, fmt.Errorf("ballot %s contest %q selection %q: %w",
					pb.BallotID, contest.Name, sel.Name, err)
			}
			proof, err := elgamal.ProveRange(group, ct, sel.Vote, 1, nonce, publicKey)
			if err != nil {
				return nil, fmt.Errorf("ballot %s contest %q selection %q: %w",
					pb.BallotID, contest.Name, sel.Name, err)
			}
			cc.Selections = append(cc.Selections, election.CiphertextSelection{
				Name:       sel.Name,
				Ciphertext: ct,
				Proof:      proof,
			})
			cc.Sum.Add(group, cc.Sum, ct)
			sumNonce.Add(sumNonce, nonce)
			voteSum += sel.Vote
		}
		sumProof, err := elgamal.ProveRange(group, cc.Sum, voteSum, cd.VotesAllowed,
			group.ReduceExponent(sumNonce), publicKey)
		if err != nil {
			return nil, fmt.Errorf("ballot %s contest %q sum: %w", pb.BallotID, contest.Name, err)
		}
		cc.SumProof = sumProof
		cb.Contests = append(cb.Contests, cc)
	}
	return cb, nil
}

// runEncryptionStage drains the plaintext queue through a pool of workers,
// storing each ciphertext ballot in the working store. Workers check for
// cancellation between ballots, never mid-proof; the first worker error
// cancels the rest.
func runEncryptionStage(ctx context.Context, st *storage.Storage, group *elgamal.Group,
	desc *election.Description, seed []byte, publicKey *big.Int, timestamp int64, workers int,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, workers)
	var wg sync.WaitGroup
	var encrypted int64
	var countMu sync.Mutex

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// each worker derives its own nonce stream; streams with the
			// same seed are interchangeable
			ns := elgamal.NewNonceStream(group, seed)
			for {
				if ctx.Err() != nil {
					return
				}
				pb, err := st.NextPlaintextBallot()
				if err != nil {
					if errors.Is(err, storage.ErrNoMoreElements) {
						return
					}
					errCh <- fmt.Errorf("%w: %v", ErrParallelCoordination, err)
					cancel()
					return
				}
				cb, err := EncryptBallot(group, desc, pb, ns, publicKey, timestamp)
				if err != nil {
					errCh <- err
					cancel()
					return
				}
				if err := st.SetCiphertextBallot(cb); err != nil {
					errCh <- fmt.Errorf("%w: storing ballot %s: %v", ErrParallelCoordination, cb.BallotID, err)
					cancel()
					return
				}
				countMu.Lock()
				encrypted++
				countMu.Unlock()
				log.Debugw("ballot encrypted", "ballotID", cb.BallotID)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrParallelCoordination, err)
	}

	elapsed := time.Since(start)
	log.Infow("encryption stage finished",
		"ballots", encrypted,
		"workers", workers,
		"took", elapsed.String(),
		"ballotsPerSec", fmt.Sprintf("%.2f", float64(encrypted)/elapsed.Seconds()),
	)
	return nil
}

// runChainStage stamps the tracking-hash chain over the encrypted corpus.
// It is a serial pass in ascending ballot-id order: a parallel tree hash
// would change the chain value.
func runChainStage(st *storage.Storage, electionHash []byte) error {
	var items []election.ChainItem
	if err := st.IterateCiphertextBallots(func(cb *election.CiphertextBallot) bool {
		items = append(items, cb.ChainItem())
		return true
	}); err != nil {
		return err
	}
	links := election.ComputeChainLinks(electionHash, items)

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.BallotID
	}
	for _, id := range ids {
		cb, err := st.CiphertextBallot(id)
		if err != nil {
			return fmt.Errorf("%w: chain pass lost ballot %s: %v", ErrParallelCoordination, id, err)
		}
		link := links[id]
		cb.PreviousHash = link.Previous
		cb.TrackingHash = link.Tracking
		if err := st.UpdateCiphertextBallot(cb); err != nil {
			return fmt.Errorf("%w: chain pass could not update ballot %s: %v", ErrParallelCoordination, id, err)
		}
	}
	log.Debugw("tracking chain stamped", "ballots", len(ids))
	return nil
}
