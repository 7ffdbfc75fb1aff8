package tally

import (
	"context"
	"fmt"
	"sync"

	"github.com/votingworks/arlo-e2e/crypto/elgamal"
	"github.com/votingworks/arlo-e2e/election"
	"github.com/votingworks/arlo-e2e/log"
	"github.com/votingworks/arlo-e2e/storage"
)

// partialAggregate is the result of reducing one shard of ballots: the
// per-key ciphertext products plus the per-contest ballot counts.
type partialAggregate struct {
	sums     map[string]*elgamal.Ciphertext
	contests map[string]uint64
}

func newPartialAggregate() *partialAggregate {
	return &partialAggregate{
		sums:     map[string]*elgamal.Ciphertext{},
		contests: map[string]uint64{},
	}
}

// absorbBallot folds one ballot into the partial aggregate.
func (pa *partialAggregate) absorbBallot(group *elgamal.Group, cb *election.CiphertextBallot) {
	for _, contest := range cb.Contests {
		pa.contests[contest.Name]++
		for _, sel := range contest.Selections {
			key := election.SelectionKey(contest.Name, sel.Name)
			sum, ok := pa.sums[key]
			if !ok {
				// the reduction seed is the group identity (1, 1)
				sum = elgamal.NewCiphertext()
				pa.sums[key] = sum
			}
			sum.Add(group, sum, sel.Ciphertext)
		}
	}
}

// combine folds other into pa. The group operation is associative and
// commutative, so the combination order cannot change the result.
func (pa *partialAggregate) combine(group *elgamal.Group, other *partialAggregate) {
	for key, sum := range other.sums {
		if existing, ok := pa.sums[key]; ok {
			existing.Add(group, existing, sum)
		} else {
			pa.sums[key] = sum
		}
	}
	for contest, count := range other.contests {
		pa.contests[contest] += count
	}
}

// runReductionStage computes the per-(contest, selection) ciphertext
// products as a two-level tree reduction: ballots stream out of the
// working store in shards, each shard reduces on a worker, and the partial
// aggregates are combined pairwise as they arrive. The coordinator never
// holds more than the in-flight shards in memory.
func runReductionStage(ctx context.Context, st *storage.Storage, group *elgamal.Group,
	shardSize, workers int,
) (map[string]*elgamal.Ciphertext, map[string]uint64, error) {
	if shardSize <= 0 {
		return nil, nil, fmt.Errorf("%w: shard size must be positive", ErrParallelCoordination)
	}

	shardCh := make(chan []*election.CiphertextBallot, workers)
	partialCh := make(chan *partialAggregate, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for shard := range shardCh {
				if ctx.Err() != nil {
					continue // drain the channel on cancellation
				}
				pa := newPartialAggregate()
				for _, cb := range shard {
					pa.absorbBallot(group, cb)
				}
				partialCh <- pa
			}
		}()
	}

	// second-level combiner
	total := newPartialAggregate()
	var combineWg sync.WaitGroup
	combineWg.Add(1)
	go func() {
		defer combineWg.Done()
		for pa := range partialCh {
			total.combine(group, pa)
		}
	}()

	// stream shards out of the working store
	var shard []*election.CiphertextBallot
	shards := 0
	streamErr := st.IterateCiphertextBallots(func(cb *election.CiphertextBallot) bool {
		if ctx.Err() != nil {
			return false
		}
		shard = append(shard, cb)
		if len(shard) == shardSize {
			shardCh <- shard
			shard = nil
			shards++
		}
		return true
	})
	if len(shard) > 0 {
		shardCh <- shard
		shards++
	}
	close(shardCh)
	wg.Wait()
	close(partialCh)
	combineWg.Wait()

	if streamErr != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrParallelCoordination, streamErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrParallelCoordination, err)
	}

	log.Infow("reduction stage finished",
		"shards", shards,
		"keys", len(total.sums),
		"shardSize", shardSize,
	)
	return total.sums, total.contests, nil
}
