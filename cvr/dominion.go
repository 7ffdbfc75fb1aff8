// Package cvr parses the two tabular inputs of a tally run: the
// Dominion-style cast-vote-record export and the audit-board report with
// its sampled-ballots section.
package cvr

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/votingworks/arlo-e2e/election"
	"github.com/votingworks/arlo-e2e/log"
)

// ErrInputMalformed mirrors election.ErrInputMalformed for callers that
// only import this package.
var ErrInputMalformed = election.ErrInputMalformed

// voteForRe extracts the k bound from a contest name suffix like
// "(Vote For=2)".
var voteForRe = regexp.MustCompile(`\s*\(Vote For=(\d+)\)\s*$`)

// Parsed is the canonicalized CVR export: the election definition plus one
// plaintext ballot per data row.
type Parsed struct {
	Description *election.Description
	Metadata    *election.Metadata
	Ballots     []*election.PlaintextBallot
}

// selectionColumn maps one CSV column to its (contest, selection) pair.
type selectionColumn struct {
	contest   string
	selection string
	writeIn   bool
}

// cleanCell canonicalizes a cell: trims whitespace and collapses the
// newlines Dominion embeds in candidate names.
func cleanCell(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// ParseFile reads a Dominion-style CVR file from disk.
func ParseFile(path string) (*Parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open CVR file %s: %v", ErrInputMalformed, path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Warnw("failed to close CVR file", "path", path, "error", err.Error())
		}
	}()
	return Parse(f)
}

// Parse reads a Dominion-style CVR export. The expected layout is:
//
//	row 0: election name [, jurisdiction]
//	row 1: contest names over their candidate columns, with an optional
//	       "(Vote For=k)" suffix (k defaults to 1)
//	row 2: candidate names (may contain newlines)
//	row 3: metadata column headers (must include an imprinted-id column)
//	rows 4+: one ballot per row; selection cells are 0, 1 or empty
//
// Empty selection cells mean the contest is absent from the ballot when
// the whole contest cluster is empty; a partially empty cluster reads the
// empty cells as 0.
func Parse(r io.Reader) (*Parsed, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: CVR parse failure: %v", ErrInputMalformed, err)
	}
	if len(rows) < 4 {
		return nil, fmt.Errorf("%w: CVR export has only %d rows, expected at least 4", ErrInputMalformed, len(rows))
	}

	titleRow, contestRow, candidateRow, headerRow := rows[0], rows[1], rows[2], rows[3]
	electionName := cleanCell(titleRow[0])
	if electionName == "" {
		return nil, fmt.Errorf("%w: CVR export has no election name", ErrInputMalformed)
	}
	jurisdiction := ""
	if len(titleRow) > 1 {
		jurisdiction = cleanCell(titleRow[1])
	}

	// column map: contest clusters are the columns with a non-empty
	// contest-row cell; everything else is ballot metadata.
	width := len(headerRow)
	columns := make([]*selectionColumn, width)
	imprintedCol := -1
	contestBounds := map[string]int{}
	contestOrder := []string{}
	selections := map[string][]election.SelectionDescription{}

	for i := 0; i < width; i++ {
		contestCell := ""
		if i < len(contestRow) {
			contestCell = cleanCell(contestRow[i])
		}
		if contestCell == "" {
			header := cleanCell(headerRow[i])
			if strings.EqualFold(header, "ImprintedId") || strings.EqualFold(header, "Imprinted ID") {
				imprintedCol = i
			}
			continue
		}

		name := contestCell
		k := 1
		if m := voteForRe.FindStringSubmatch(name); m != nil {
			if _, err := fmt.Sscanf(m[1], "%d", &k); err != nil || k < 1 {
				return nil, fmt.Errorf("%w: contest %q has invalid vote-for bound", ErrInputMalformed, name)
			}
			name = strings.TrimSpace(name[:len(name)-len(m[0])])
		}
		if _, ok := contestBounds[name]; !ok {
			contestBounds[name] = k
			contestOrder = append(contestOrder, name)
		}

		candidate := ""
		if i < len(candidateRow) {
			candidate = cleanCell(candidateRow[i])
		}
		if candidate == "" {
			return nil, fmt.Errorf("%w: contest %q has a selection column without a candidate name", ErrInputMalformed, name)
		}
		writeIn := strings.EqualFold(candidate, "Write-in") || strings.EqualFold(candidate, "Write In")
		columns[i] = &selectionColumn{contest: name, selection: candidate, writeIn: writeIn}
		selections[name] = append(selections[name], election.SelectionDescription{
			Name:      candidate,
			IsWriteIn: writeIn,
		})
	}

	if len(contestOrder) == 0 {
		return nil, fmt.Errorf("%w: CVR export declares no contests", ErrInputMalformed)
	}

	desc := &election.Description{
		ElectionName: electionName,
		Jurisdiction: jurisdiction,
	}
	for _, name := range contestOrder {
		desc.Contests = append(desc.Contests, election.ContestDescription{
			Name:         name,
			VotesAllowed: contestBounds[name],
			Selections:   selections[name],
		})
	}

	ballots, err := parseBallotRows(rows[4:], columns, imprintedCol, contestOrder)
	if err != nil {
		return nil, err
	}

	meta := &election.Metadata{
		ElectionName: electionName,
		BallotCount:  uint64(len(ballots)),
		Contests:     contestBounds,
	}
	for _, b := range ballots {
		meta.BallotIDs = append(meta.BallotIDs, b.BallotID)
	}

	log.Infow("CVR export parsed",
		"election", electionName,
		"contests", len(desc.Contests),
		"ballots", len(ballots),
	)
	return &Parsed{Description: desc, Metadata: meta, Ballots: ballots}, nil
}

func parseBallotRows(rows [][]string, columns []*selectionColumn, imprintedCol int, contestOrder []string) ([]*election.PlaintextBallot, error) {
	ballots := make([]*election.PlaintextBallot, 0, len(rows))
	for rowIdx, row := range rows {
		if len(row) == 0 || allEmpty(row) {
			continue
		}
		id := ""
		if imprintedCol >= 0 && imprintedCol < len(row) {
			id = cleanCell(row[imprintedCol])
		}
		if id == "" {
			// ballot uids fall back to 'b' plus a 7-digit sequence, so
			// prefix sharding yields at most 10^4 files per directory
			id = fmt.Sprintf("b%07d", rowIdx+1)
		}

		perContest := map[string][]election.PlaintextSelection{}
		nonEmpty := map[string]bool{}
		for i, col := range columns {
			if col == nil {
				continue
			}
			cell := ""
			if i < len(row) {
				cell = cleanCell(row[i])
			}
			sel := election.PlaintextSelection{Name: col.selection}
			switch cell {
			case "":
				// null selection: counts as 0 unless the whole contest is absent
			case "0":
				nonEmpty[col.contest] = true
			case "1":
				sel.Vote = 1
				nonEmpty[col.contest] = true
			default:
				if !col.writeIn {
					return nil, fmt.Errorf("%w: row %d has non-binary cell %q for contest %q",
						ErrInputMalformed, rowIdx+1, cell, col.contest)
				}
				sel.Vote = 1
				sel.WriteIn = cell
				nonEmpty[col.contest] = true
			}
			perContest[col.contest] = append(perContest[col.contest], sel)
		}

		pb := &election.PlaintextBallot{BallotID: id}
		for _, contest := range contestOrder {
			if !nonEmpty[contest] {
				continue // contest not on this ballot
			}
			pb.Contests = append(pb.Contests, election.PlaintextContest{
				Name:       contest,
				Selections: perContest[contest],
			})
		}
		ballots = append(ballots, pb)
	}
	return ballots, nil
}

func allEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
