package tally

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/votingworks/arlo-e2e/crypto/elgamal"
	"github.com/votingworks/arlo-e2e/election"
	"github.com/votingworks/arlo-e2e/log"
	"github.com/votingworks/arlo-e2e/manifest"
	"github.com/votingworks/arlo-e2e/types"
)

const (
	electionDescriptionFile = "election_description.json"
	cryptoContextFile       = "cryptographic_context.json"
	cryptoConstantsFile     = "constants.json"
	encryptedTallyFile      = "encrypted_tally.json"
	electionMetadataFile    = "election_metadata.json"
)

// WriteResults publishes a tally run as a sealed results directory. Each
// ciphertext ballot ends up in its own file; everything is JSON. The root
// must be fresh: a tally never overwrites a previous one.
func WriteResults(results *Results, root string, workers int) error {
	if entries, err := os.ReadDir(root); err == nil && len(entries) > 0 {
		return fmt.Errorf("%w: results directory %s is not empty", manifest.ErrStorageIntegrity, root)
	}
	if workers <= 0 {
		workers = 1
	}
	log.Infow("writing tally results", "root", root)

	m, err := manifest.NewFresh(root, false)
	if err != nil {
		return err
	}
	// a run that fails mid-write leaves no partial artifacts behind: the
	// directory is discarded unless it reaches the seal
	sealed := false
	defer func() {
		if sealed {
			return
		}
		if err := os.RemoveAll(root); err != nil {
			log.Warnw("failed to discard partial results", "root", root, "error", err.Error())
		} else {
			log.Warnw("partial results discarded", "root", root)
		}
	}()

	if _, err := m.WriteJSON(results.Description, electionDescriptionFile); err != nil {
		return err
	}
	if _, err := m.WriteJSON(results.Context, cryptoContextFile); err != nil {
		return err
	}
	if _, err := m.WriteJSON(results.group.Constants(), cryptoConstantsFile); err != nil {
		return err
	}
	if _, err := m.WriteJSON(results.Tally, encryptedTallyFile); err != nil {
		return err
	}
	// metadata lists ballot ids sorted, so that permuting the input rows
	// cannot change the sealed bytes
	sort.Strings(results.Metadata.BallotIDs)
	if _, err := m.WriteJSON(results.Metadata, electionMetadataFile); err != nil {
		return err
	}

	// every worker writes its slice of ballots through a private partial
	// manifest; the partials merge at the end, so there is no lock on the
	// manifest during the write phase
	ids := make([]string, 0, len(results.Metadata.BallotIDs))
	ids = append(ids, results.Metadata.BallotIDs...)

	partials := make([]*manifest.Manifest, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			pm, err := manifest.NewFresh(root, false)
			if err != nil {
				errs[w] = err
				return
			}
			partials[w] = pm
			for i := w; i < len(ids); i += workers {
				cb, err := results.store.CiphertextBallot(ids[i])
				if err != nil {
					errs[w] = fmt.Errorf("%w: ballot %s not in working store: %v",
						ErrParallelCoordination, ids[i], err)
					return
				}
				data, err := json.MarshalIndent(cb, "", "  ")
				if err != nil {
					errs[w] = fmt.Errorf("could not marshal ballot %s: %w", cb.BallotID, err)
					return
				}
				if _, err := pm.WriteFile(data, manifest.BallotParts(cb.BallotID)...); err != nil {
					errs[w] = err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	for w := 0; w < workers; w++ {
		if errs[w] != nil {
			return errs[w]
		}
		if err := m.Merge(partials[w]); err != nil {
			return err
		}
	}

	if err := m.Seal(); err != nil {
		return err
	}
	sealed = true
	if !m.AllHashesUnique() {
		log.Warnw("duplicate hashes in sealed directory", "root", root)
	}
	return nil
}

// LoadedResults is a sealed results directory read back into memory, with
// every file hash-verified against the manifest on the way in.
type LoadedResults struct {
	Description *election.Description
	Metadata    *election.Metadata
	Context     *election.Context
	Tally       *election.SelectionTally
	Ballots     []*election.CiphertextBallot
	Manifest    *manifest.Manifest
}

// Ballot returns the loaded ciphertext ballot with the given id.
func (lr *LoadedResults) Ballot(ballotID string) (*election.CiphertextBallot, bool) {
	for _, cb := range lr.Ballots {
		if cb.BallotID == ballotID {
			return cb, true
		}
	}
	return nil, false
}

// LoadResults reads a sealed results directory back in. It refuses a
// directory whose published constants disagree with the compiled group.
func LoadResults(root string) (*LoadedResults, error) {
	group := elgamal.DefaultGroup()
	m, err := manifest.Existing(root)
	if err != nil {
		return nil, err
	}

	var constants elgamal.Constants
	if err := m.ReadJSON(&constants, cryptoConstantsFile); err != nil {
		return nil, err
	}
	if !group.Matches(&constants) {
		return nil, fmt.Errorf("%w: %s disagrees with the compiled group parameters",
			ErrConfigMismatch, cryptoConstantsFile)
	}

	lr := &LoadedResults{Manifest: m}
	lr.Description = &election.Description{}
	if err := m.ReadJSON(lr.Description, electionDescriptionFile); err != nil {
		return nil, err
	}
	lr.Context = &election.Context{}
	if err := m.ReadJSON(lr.Context, cryptoContextFile); err != nil {
		return nil, err
	}
	lr.Tally = &election.SelectionTally{}
	if err := m.ReadJSON(lr.Tally, encryptedTallyFile); err != nil {
		return nil, err
	}
	lr.Metadata = &election.Metadata{}
	if err := m.ReadJSON(lr.Metadata, electionMetadataFile); err != nil {
		return nil, err
	}

	// ballots are whatever the manifest says lives under ballots/
	names := m.Names()
	sort.Strings(names)
	for _, name := range names {
		parts := strings.Split(name, types.ManifestSeparator)
		if len(parts) != 3 || parts[0] != "ballots" {
			continue
		}
		cb := &election.CiphertextBallot{}
		if err := m.ReadJSON(cb, parts...); err != nil {
			return nil, err
		}
		lr.Ballots = append(lr.Ballots, cb)
	}

	log.Infow("tally results loaded", "root", root, "ballots", len(lr.Ballots))
	return lr, nil
}
