package tally

import (
	"context"
	"fmt"
	"io/fs"
	"math/big"
	"path/filepath"
	"strings"

	"github.com/votingworks/arlo-e2e/crypto/elgamal"
	"github.com/votingworks/arlo-e2e/election"
	"github.com/votingworks/arlo-e2e/log"
	"github.com/votingworks/arlo-e2e/manifest"
	"github.com/votingworks/arlo-e2e/types"
)

// VerifyOptions tunes the verifier.
type VerifyOptions struct {
	// Verbose reports per-ballot progress.
	Verbose bool
	// RecheckBallotsAndTallies enables the full per-ballot proof re-check
	// and the re-reduction. When false, only the manifest and the tally
	// decryption proofs are re-verified.
	RecheckBallotsAndTallies bool
}

// Verify re-checks a sealed results directory from scratch: manifest
// integrity and the decryption proofs always, and with
// RecheckBallotsAndTallies also every ballot proof, the tracking chain and
// the homomorphic re-reduction. A nil publicKey takes the one
// published in the directory's cryptographic context; a non-nil one must
// also match it. Any error means the tally is not valid.
func Verify(ctx context.Context, root string, publicKey *big.Int, opts VerifyOptions) error {
	group := elgamal.DefaultGroup()

	// step 1: manifest integrity over every referenced file, plus a sweep
	// for files the manifest does not cover
	lr, err := LoadResults(root)
	if err != nil {
		return err
	}
	if err := verifyManifestCoverage(lr.Manifest, root); err != nil {
		return err
	}

	K := lr.Context.PublicKey.MathBigInt()
	if err := group.ValidElement(K); err != nil {
		return fmt.Errorf("published public key: %w", err)
	}
	if publicKey != nil && publicKey.Cmp(K) != 0 {
		return fmt.Errorf("%w: published public key disagrees with the caller's", elgamal.ErrCryptoInvariant)
	}

	if opts.RecheckBallotsAndTallies {
		// step 2: per-ballot proofs and the tracking chain
		for _, cb := range lr.Ballots {
			if opts.Verbose {
				log.Infow("verifying ballot", "ballotID", cb.BallotID)
			}
			if err := verifyBallot(group, lr.Description, cb, K); err != nil {
				return err
			}
		}
		if err := election.VerifyChain(lr.Context.ElectionHash, lr.Ballots); err != nil {
			return err
		}

		// step 3: re-run the reduction and compare the aggregates
		if err := verifyAggregates(ctx, group, lr); err != nil {
			return err
		}
	}

	// step 4: decryption proofs and decoded counts
	if err := verifyTallyEntries(group, lr, K); err != nil {
		return err
	}

	// step 5 (advisory): duplicate ciphertext files usually mean an
	// identical ballot was written twice
	if !lr.Manifest.AllHashesUnique() {
		log.Warnw("sealed directory contains duplicate file hashes", "root", root)
	}

	log.Infow("tally verified",
		"root", root,
		"ballots", len(lr.Ballots),
		"entries", len(lr.Tally.Entries),
		"fullRecheck", opts.RecheckBallotsAndTallies,
	)
	return nil
}

// verifyManifestCoverage checks every manifest entry against its file and
// every file in the tree against the manifest.
func verifyManifestCoverage(m *manifest.Manifest, root string) error {
	for _, name := range m.Names() {
		if _, err := m.ReadFile(strings.Split(name, types.ManifestSeparator)...); err != nil {
			return err
		}
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: cannot walk %s: %v", manifest.ErrStorageIntegrity, path, err)
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("%w: cannot walk %s: %v", manifest.ErrStorageIntegrity, path, err)
		}
		if rel == types.ManifestFileName {
			return nil
		}
		name := manifest.Name(strings.Split(rel, string(filepath.Separator))...)
		if _, ok := m.Info(name); !ok {
			return fmt.Errorf("%w: missing entry for %s", manifest.ErrStorageIntegrity, name)
		}
		return nil
	})
}

// verifyBallot re-checks one ciphertext ballot: every selection proof,
// every contest sum and its range proof, and the contest bound itself.
func verifyBallot(group *elgamal.Group, desc *election.Description, cb *election.CiphertextBallot, publicKey *big.Int) error {
	for _, contest := range cb.Contests {
		cd, ok := desc.Contest(contest.Name)
		if !ok {
			return fmt.Errorf("%w: ballot %s has undeclared contest %q",
				election.ErrInputMalformed, cb.BallotID, contest.Name)
		}
		if contest.VotesAllowed != cd.VotesAllowed {
			return fmt.Errorf("%w: ballot %s contest %q declares bound %d, expected %d",
				election.ErrInputMalformed, cb.BallotID, contest.Name, contest.VotesAllowed, cd.VotesAllowed)
		}
		sum := elgamal.NewCiphertext()
		for _, sel := range contest.Selections {
			if err := sel.Proof.Verify(group, sel.Ciphertext, publicKey); err != nil {
				return fmt.Errorf("ballot %s contest %q selection %q: %w",
					cb.BallotID, contest.Name, sel.Name, err)
			}
			if sel.Proof.Limit() != 1 {
				return fmt.Errorf("%w: ballot %s contest %q selection %q proof bound is %d, expected 1",
					elgamal.ErrCryptoInvariant, cb.BallotID, contest.Name, sel.Name, sel.Proof.Limit())
			}
			sum.Add(group, sum, sel.Ciphertext)
		}
		if !sum.Equal(contest.Sum) {
			return fmt.Errorf("%w: ballot %s contest %q stored sum disagrees with the selection product",
				elgamal.ErrCryptoInvariant, cb.BallotID, contest.Name)
		}
		if err := contest.SumProof.Verify(group, contest.Sum, publicKey); err != nil {
			return fmt.Errorf("ballot %s contest %q sum: %w", cb.BallotID, contest.Name, err)
		}
		if contest.SumProof.Limit() != cd.VotesAllowed {
			return fmt.Errorf("%w: ballot %s contest %q sum proof bound is %d, expected %d",
				elgamal.ErrCryptoInvariant, cb.BallotID, contest.Name, contest.SumProof.Limit(), cd.VotesAllowed)
		}
	}
	return nil
}

// verifyAggregates re-reduces the loaded ballots and compares every
// aggregate ciphertext and ballot count with the stored tally.
func verifyAggregates(ctx context.Context, group *elgamal.Group, lr *LoadedResults) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrParallelCoordination, err)
	}
	recomputed := newPartialAggregate()
	for _, cb := range lr.Ballots {
		recomputed.absorbBallot(group, cb)
	}
	if len(recomputed.sums) != len(lr.Tally.Entries) {
		return fmt.Errorf("%w: tally has %d entries, re-reduction produced %d",
			elgamal.ErrCryptoInvariant, len(lr.Tally.Entries), len(recomputed.sums))
	}
	for key, sum := range recomputed.sums {
		entry, ok := lr.Tally.Entries[key]
		if !ok {
			return fmt.Errorf("%w: tally is missing aggregate %s", elgamal.ErrCryptoInvariant, key)
		}
		if !sum.Equal(entry.Ciphertext) {
			return fmt.Errorf("%w: stored aggregate for %s disagrees with the ballot product",
				elgamal.ErrCryptoInvariant, key)
		}
	}
	for contest, count := range recomputed.contests {
		if lr.Tally.BallotsPerContest[contest] != count {
			return fmt.Errorf("%w: contest %q ballot count is %d, re-reduction produced %d",
				elgamal.ErrCryptoInvariant, contest, lr.Tally.BallotsPerContest[contest], count)
		}
	}
	return nil
}

// verifyTallyEntries checks every decryption proof and that decoding g^t
// yields the published count, then the per-contest total bound.
func verifyTallyEntries(group *elgamal.Group, lr *LoadedResults, publicKey *big.Int) error {
	totals := map[string]uint64{}
	for key, entry := range lr.Tally.Entries {
		alpha := entry.Ciphertext.Alpha.MathBigInt()
		share := entry.Share.MathBigInt()
		if err := entry.Proof.Verify(group, alpha, publicKey, share); err != nil {
			return fmt.Errorf("aggregate %s: %w", key, err)
		}
		// the published count must decode from beta / M
		gv := group.Div(entry.Ciphertext.Beta.MathBigInt(), share)
		if group.GPow(new(big.Int).SetUint64(entry.Count)).Cmp(gv) != 0 {
			return fmt.Errorf("%w: aggregate %s decodes to a different count than published",
				elgamal.ErrCryptoInvariant, key)
		}
		totals[entry.Contest] += entry.Count
	}
	// every contest's decrypted counts sum to at most k times the number
	// of ballots containing the contest
	for contest, total := range totals {
		cd, ok := lr.Description.Contest(contest)
		if !ok {
			return fmt.Errorf("%w: tally references undeclared contest %q", election.ErrInputMalformed, contest)
		}
		bound := uint64(cd.VotesAllowed) * lr.Tally.BallotsPerContest[contest]
		if total > bound {
			return fmt.Errorf("%w: contest %q totals %d votes, bound is %d",
				elgamal.ErrCryptoInvariant, contest, total, bound)
		}
	}
	return nil
}
