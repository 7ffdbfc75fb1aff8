package tally

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/votingworks/arlo-e2e/crypto/elgamal"
	"github.com/votingworks/arlo-e2e/election"
	"github.com/votingworks/arlo-e2e/log"
	"github.com/votingworks/arlo-e2e/types"
)

// runDecryptionStage decrypts every aggregate ciphertext and produces its
// Chaum-Pedersen decryption proof. Each (contest, selection) aggregate is
// an independent task; the discrete-log search is bounded by the number of
// ballots containing the contest.
func runDecryptionStage(ctx context.Context, group *elgamal.Group,
	aggregates map[string]*elgamal.Ciphertext, ballotsPerContest map[string]uint64,
	keypair *elgamal.KeyPair, workers int,
) (*election.SelectionTally, error) {
	keys := make([]string, 0, len(aggregates))
	for key := range aggregates {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	tally := election.NewSelectionTally()
	for contest, count := range ballotsPerContest {
		tally.BallotsPerContest[contest] = count
	}

	keyCh := make(chan string, len(keys))
	for _, key := range keys {
		keyCh <- key
	}
	close(keyCh)

	errCh := make(chan error, workers)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range keyCh {
				if ctx.Err() != nil {
					return
				}
				entry, err := decryptAggregate(group, key, aggregates[key], ballotsPerContest, keypair)
				if err != nil {
					errCh <- err
					return
				}
				mu.Lock()
				tally.Entries[key] = entry
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParallelCoordination, err)
	}

	log.Infow("decryption stage finished", "keys", len(tally.Entries))
	return tally, nil
}

func decryptAggregate(group *elgamal.Group, key string, ct *elgamal.Ciphertext,
	ballotsPerContest map[string]uint64, keypair *elgamal.KeyPair,
) (*election.TallyEntry, error) {
	contest, selection, err := election.SplitSelectionKey(key)
	if err != nil {
		return nil, err
	}
	maxCount := ballotsPerContest[contest]
	count, share, err := elgamal.DecryptWithSecret(group, ct, keypair.SecretKey.MathBigInt(), maxCount)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", key, err)
	}
	// prove that (g, K, alpha, M) is a DDH tuple, i.e. the share really is
	// alpha^s for the published public key
	proof, err := elgamal.ProveChaumPedersen(group, ct.Alpha.MathBigInt(), keypair.SecretKey.MathBigInt())
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", key, err)
	}
	return &election.TallyEntry{
		Contest:    contest,
		Selection:  selection,
		Count:      count,
		Ciphertext: ct,
		Share:      (*types.BigInt)(share),
		Proof:      proof,
	}, nil
}
