// Package tally implements the distributed tally engine: the parallel
// encrypt, reduce and decrypt-with-proof pipeline that turns a parsed CVR
// export into a verifiable encrypted tally with content-addressed on-disk
// artifacts.
package tally

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"runtime"
	"time"

	"github.com/votingworks/arlo-e2e/crypto/elgamal"
	"github.com/votingworks/arlo-e2e/cvr"
	"github.com/votingworks/arlo-e2e/election"
	"github.com/votingworks/arlo-e2e/log"
	"github.com/votingworks/arlo-e2e/storage"
	"github.com/votingworks/arlo-e2e/types"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"
)

var (
	// ErrParallelCoordination is wrapped by worker failures, cancellation
	// and partial-write cleanup problems.
	ErrParallelCoordination = fmt.Errorf("parallel coordination failure")
	// ErrConfigMismatch is returned when a loaded constants.json disagrees
	// with the compiled-in group parameters.
	ErrConfigMismatch = fmt.Errorf("constants mismatch")
)

// Options tunes a tally run. The zero value gets sensible defaults from
// TallyEverything.
type Options struct {
	// Secret is the caller-supplied ElGamal secret key. Nil generates a
	// fresh one. Supplying a fixed secret is a benchmarking affordance;
	// production setups hand the pipeline only a public key and keep
	// decryption elsewhere.
	Secret *big.Int
	// Seed drives the deterministic nonce stream. Two runs over the same
	// input with the same seed and secret produce byte-identical sealed
	// directories. Nil seeds the stream randomly.
	Seed []byte
	// Workers bounds the encryption/decryption pools. Defaults to NumCPU.
	Workers int
	// ShardSize is the ballots-per-shard knob of the reduction tree.
	ShardSize int
	// Timestamp is stamped on every ciphertext ballot. Keep it fixed for
	// reproducible runs; zero means "no timestamp".
	Timestamp int64
	// WorkDir hosts the working store. Empty uses a temporary directory
	// removed when the results are closed.
	WorkDir string
}

// Results is the outcome of a tally run. The encrypted corpus stays in
// the working store rather than in memory; WriteResults streams it out.
type Results struct {
	Description *election.Description
	Metadata    *election.Metadata
	Context     *election.Context
	Tally       *election.SelectionTally
	Keypair     *elgamal.KeyPair
	Seed        []byte

	group      *elgamal.Group
	store      *storage.Storage
	links      map[string]election.ChainLink
	workDir    string
	ownWorkDir bool
}

// Store exposes the working store holding the encrypted corpus.
func (r *Results) Store() *storage.Storage {
	return r.store
}

// Group returns the group parameters of the run.
func (r *Results) Group() *elgamal.Group {
	return r.group
}

// Close releases the working store and, if it was created by the run,
// removes its directory.
func (r *Results) Close() {
	r.store.Close()
	if r.ownWorkDir {
		if err := os.RemoveAll(r.workDir); err != nil {
			log.Warnw("failed to remove working directory", "dir", r.workDir, "error", err.Error())
		}
	}
}

// TallyEverything runs the full pipeline over a parsed CVR export:
// encrypt every ballot in parallel, stamp the tracking chain, reduce the
// ciphertexts per (contest, selection) and decrypt the aggregates with
// proofs. The caller owns the returned Results and must Close them.
func TallyEverything(ctx context.Context, parsed *cvr.Parsed, opts Options) (*Results, error) {
	if len(parsed.Ballots) == 0 {
		return nil, fmt.Errorf("%w: no ballots to tally", election.ErrInputMalformed)
	}
	group := elgamal.DefaultGroup()

	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.ShardSize <= 0 {
		opts.ShardSize = types.DefaultShardSize
	}

	keypair, err := makeKeypair(group, opts.Secret)
	if err != nil {
		return nil, err
	}
	seed := opts.Seed
	if seed == nil {
		seed = randomSeed()
	}

	workDir := opts.WorkDir
	ownWorkDir := false
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "arlo-e2e-tally-")
		if err != nil {
			return nil, fmt.Errorf("could not create working directory: %w", err)
		}
		ownWorkDir = true
	}
	database, err := metadb.New(db.TypePebble, workDir)
	if err != nil {
		return nil, fmt.Errorf("could not open working store: %w", err)
	}
	st := storage.New(database)

	results := &Results{
		Description: parsed.Description,
		Metadata:    parsed.Metadata,
		Keypair:     keypair,
		Seed:        seed,
		group:       group,
		store:       st,
		workDir:     workDir,
		ownWorkDir:  ownWorkDir,
	}
	if err := results.run(ctx, parsed, opts); err != nil {
		results.Close()
		return nil, err
	}
	return results, nil
}

func (r *Results) run(ctx context.Context, parsed *cvr.Parsed, opts Options) error {
	start := time.Now()
	electionHash, err := r.Description.Hash()
	if err != nil {
		return err
	}
	r.Context = &election.Context{
		PublicKey:    r.Keypair.PublicKey,
		ElectionHash: electionHash,
		BallotCount:  uint64(len(parsed.Ballots)),
	}
	if err := r.store.SetEncryptionKey(r.Context); err != nil {
		return fmt.Errorf("could not record encryption key: %w", err)
	}

	// feed the queue; duplicate ballot ids are fatal input
	for _, pb := range parsed.Ballots {
		if err := r.store.PushPlaintextBallot(pb); err != nil {
			return fmt.Errorf("%w: ballot %s: %v", election.ErrInputMalformed, pb.BallotID, err)
		}
	}

	publicKey := r.Keypair.PublicKey.MathBigInt()
	if err := runEncryptionStage(ctx, r.store, r.group, r.Description, r.Seed,
		publicKey, opts.Timestamp, opts.Workers); err != nil {
		return err
	}
	if err := runChainStage(r.store, electionHash); err != nil {
		return err
	}

	aggregates, ballotsPerContest, err := runReductionStage(ctx, r.store, r.group, opts.ShardSize, opts.Workers)
	if err != nil {
		return err
	}
	r.Tally, err = runDecryptionStage(ctx, r.group, aggregates, ballotsPerContest, r.Keypair, opts.Workers)
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	log.Infow("tally pipeline finished",
		"ballots", len(parsed.Ballots),
		"contests", len(r.Description.Contests),
		"took", elapsed.String(),
		"ballotsPerSec", fmt.Sprintf("%.2f", float64(len(parsed.Ballots))/elapsed.Seconds()),
	)
	return nil
}

func makeKeypair(group *elgamal.Group, secret *big.Int) (*elgamal.KeyPair, error) {
	if secret == nil {
		return elgamal.GenerateKey(group)
	}
	return elgamal.KeyPairFromSecret(group, secret)
}

func randomSeed() []byte {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		log.Fatalf("cannot read entropy: %v", err)
	}
	return seed
}
