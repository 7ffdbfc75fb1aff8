package tally

import (
	"context"
	"encoding/json"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/votingworks/arlo-e2e/crypto/elgamal"
	"github.com/votingworks/arlo-e2e/cvr"
	"github.com/votingworks/arlo-e2e/election"
	"github.com/votingworks/arlo-e2e/manifest"
)

// makeParsed builds the scenario input: one contest "C1" with candidates
// A and B (vote for 1) and the votes [A, A, B].
func makeParsed() *cvr.Parsed {
	desc := &election.Description{
		ElectionName: "Test Election",
		Contests: []election.ContestDescription{{
			Name:         "C1",
			VotesAllowed: 1,
			Selections: []election.SelectionDescription{
				{Name: "A"},
				{Name: "B"},
			},
		}},
	}
	votes := []map[string]uint64{
		{"A": 1, "B": 0},
		{"A": 1, "B": 0},
		{"A": 0, "B": 1},
	}
	parsed := &cvr.Parsed{
		Description: desc,
		Metadata: &election.Metadata{
			ElectionName: desc.ElectionName,
			BallotCount:  uint64(len(votes)),
			Contests:     map[string]int{"C1": 1},
		},
	}
	for i, v := range votes {
		id := []string{"b0000001", "b0000002", "b0000003"}[i]
		parsed.Metadata.BallotIDs = append(parsed.Metadata.BallotIDs, id)
		parsed.Ballots = append(parsed.Ballots, &election.PlaintextBallot{
			BallotID: id,
			Contests: []election.PlaintextContest{{
				Name: "C1",
				Selections: []election.PlaintextSelection{
					{Name: "A", Vote: v["A"]},
					{Name: "B", Vote: v["B"]},
				},
			}},
		})
	}
	return parsed
}

func testOptions(workers int) Options {
	return Options{
		Secret:    big.NewInt(31337),
		Seed:      []byte("test-seed"),
		Workers:   workers,
		ShardSize: 2,
	}
}

func runAndSeal(t *testing.T, parsed *cvr.Parsed, tallyWorkers, writeWorkers int) string {
	t.Helper()
	c := qt.New(t)
	results, err := TallyEverything(context.Background(), parsed, testOptions(tallyWorkers))
	c.Assert(err, qt.IsNil)
	defer results.Close()

	root := filepath.Join(t.TempDir(), "results")
	c.Assert(WriteResults(results, root, writeWorkers), qt.IsNil)
	return root
}

func TestEndToEndTally(t *testing.T) {
	c := qt.New(t)
	parsed := makeParsed()

	results, err := TallyEverything(context.Background(), parsed, testOptions(2))
	c.Assert(err, qt.IsNil)
	defer results.Close()

	a, ok := results.Tally.Entry("C1", "A")
	c.Assert(ok, qt.IsTrue)
	c.Assert(a.Count, qt.Equals, uint64(2))
	b, ok := results.Tally.Entry("C1", "B")
	c.Assert(ok, qt.IsTrue)
	c.Assert(b.Count, qt.Equals, uint64(1))
	c.Assert(results.Tally.BallotsPerContest["C1"], qt.Equals, uint64(3))

	root := filepath.Join(t.TempDir(), "results")
	c.Assert(WriteResults(results, root, 2), qt.IsNil)

	// the sealed directory verifies, fully
	c.Assert(Verify(context.Background(), root, nil, VerifyOptions{RecheckBallotsAndTallies: true}), qt.IsNil)

	// and the loaded tally matches
	lr, err := LoadResults(root)
	c.Assert(err, qt.IsNil)
	c.Assert(lr.Ballots, qt.HasLen, 3)
	entry, ok := lr.Tally.Entry("C1", "A")
	c.Assert(ok, qt.IsTrue)
	c.Assert(entry.Count, qt.Equals, uint64(2))

	// a fresh directory is required for writing
	c.Assert(WriteResults(results, root, 1), qt.ErrorIs, manifest.ErrStorageIntegrity)
}

func TestKOfNContest(t *testing.T) {
	c := qt.New(t)
	desc := &election.Description{
		ElectionName: "Test Election",
		Contests: []election.ContestDescription{{
			Name:         "C1",
			VotesAllowed: 2,
			Selections: []election.SelectionDescription{
				{Name: "X"}, {Name: "Y"}, {Name: "Z"},
			},
		}},
	}
	parsed := &cvr.Parsed{
		Description: desc,
		Metadata: &election.Metadata{
			ElectionName: desc.ElectionName,
			BallotCount:  1,
			BallotIDs:    []string{"b0000001"},
			Contests:     map[string]int{"C1": 2},
		},
		Ballots: []*election.PlaintextBallot{{
			BallotID: "b0000001",
			Contests: []election.PlaintextContest{{
				Name: "C1",
				Selections: []election.PlaintextSelection{
					{Name: "X", Vote: 1},
					{Name: "Y", Vote: 1},
					{Name: "Z", Vote: 0},
				},
			}},
		}},
	}

	results, err := TallyEverything(context.Background(), parsed, testOptions(1))
	c.Assert(err, qt.IsNil)
	defer results.Close()

	for name, want := range map[string]uint64{"X": 1, "Y": 1, "Z": 0} {
		entry, ok := results.Tally.Entry("C1", name)
		c.Assert(ok, qt.IsTrue)
		c.Assert(entry.Count, qt.Equals, want)
	}

	// the contest-sum proof for sum=2 <= k=2 verifies as part of the full recheck
	root := filepath.Join(t.TempDir(), "results")
	c.Assert(WriteResults(results, root, 1), qt.IsNil)
	c.Assert(Verify(context.Background(), root, nil, VerifyOptions{RecheckBallotsAndTallies: true}), qt.IsNil)
}

func TestOvervoteRejectedBeforeEncryption(t *testing.T) {
	c := qt.New(t)
	parsed := makeParsed()
	// [1,1] in a k=1 contest
	parsed.Ballots[0].Contests[0].Selections[1].Vote = 1

	_, err := TallyEverything(context.Background(), parsed, testOptions(2))
	c.Assert(err, qt.ErrorIs, election.ErrInputMalformed)
}

func TestVerifyDetectsBallotTampering(t *testing.T) {
	c := qt.New(t)
	root := runAndSeal(t, makeParsed(), 2, 2)

	// flip one bit of one ballot file
	var ballotFile string
	err := filepath.WalkDir(filepath.Join(root, "ballots"), func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && ballotFile == "" {
			ballotFile = path
		}
		return err
	})
	c.Assert(err, qt.IsNil)
	c.Assert(ballotFile, qt.Not(qt.Equals), "")

	raw, err := os.ReadFile(ballotFile)
	c.Assert(err, qt.IsNil)
	raw[len(raw)/2] ^= 0x01
	c.Assert(os.WriteFile(ballotFile, raw, 0o640), qt.IsNil)

	err = Verify(context.Background(), root, nil, VerifyOptions{RecheckBallotsAndTallies: true})
	c.Assert(err, qt.ErrorIs, manifest.ErrStorageIntegrity)
}

func TestVerifyDetectsMissingManifestEntry(t *testing.T) {
	c := qt.New(t)
	root := runAndSeal(t, makeParsed(), 1, 1)

	// drop one ballot entry from MANIFEST.json
	manifestPath := filepath.Join(root, "MANIFEST.json")
	raw, err := os.ReadFile(manifestPath)
	c.Assert(err, qt.IsNil)
	var ext struct {
		Hashes       map[string]json.RawMessage `json:"hashes"`
		BytesWritten int64                      `json:"bytes_written"`
	}
	c.Assert(json.Unmarshal(raw, &ext), qt.IsNil)
	delete(ext.Hashes, "ballots|b000|b0000001.json")
	edited, err := json.Marshal(ext)
	c.Assert(err, qt.IsNil)
	c.Assert(os.WriteFile(manifestPath, edited, 0o640), qt.IsNil)

	err = Verify(context.Background(), root, nil, VerifyOptions{RecheckBallotsAndTallies: true})
	c.Assert(err, qt.ErrorIs, manifest.ErrStorageIntegrity)
	c.Assert(err, qt.ErrorMatches, ".*missing entry.*")
}

// readTree flattens a directory into relative-path -> contents.
func readTree(c *qt.C, root string) map[string]string {
	tree := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		tree[rel] = string(data)
		return nil
	})
	c.Assert(err, qt.IsNil)
	return tree
}

func TestDeterminismAcrossWorkerCounts(t *testing.T) {
	c := qt.New(t)

	// same seed and secret: one worker vs. several, different write
	// parallelism, even permuted input order
	rootA := runAndSeal(t, makeParsed(), 1, 1)

	permuted := makeParsed()
	permuted.Ballots[0], permuted.Ballots[2] = permuted.Ballots[2], permuted.Ballots[0]
	rootB := runAndSeal(t, permuted, 4, 3)

	c.Assert(readTree(c, rootB), qt.DeepEquals, readTree(c, rootA))
}

func TestVerifyRejectsForeignPublicKey(t *testing.T) {
	c := qt.New(t)
	root := runAndSeal(t, makeParsed(), 1, 1)

	group := elgamal.DefaultGroup()
	other, err := elgamal.KeyPairFromSecret(group, big.NewInt(99999))
	c.Assert(err, qt.IsNil)

	err = Verify(context.Background(), root, other.PublicKey.MathBigInt(), VerifyOptions{})
	c.Assert(err, qt.ErrorIs, elgamal.ErrCryptoInvariant)
}
