package cvr

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/votingworks/arlo-e2e/log"
)

// An audit report is a concatenation of CSV sections delimited by lines of
// the form "######## NAME ########". Only the SAMPLED BALLOTS section is
// consumed; its rows carry the imprinted id, the Audited? state and
// per-contest "Audit Result:", "CVR Result:" and "Discrepancy:" columns.

const (
	sampledBallotsSection = "SAMPLED BALLOTS"
	imprintedIDColumn     = "Imprinted ID"
	auditedColumn         = "Audited?"
	cvrResultPrefix       = "CVR Result: "
	auditResultPrefix     = "Audit Result: "
	discrepancyPrefix     = "Discrepancy: "

	// AuditedLiteral marks a sampled row the audit board actually looked
	// at; any other value skips the row.
	AuditedLiteral = "AUDITED"

	contestNotOnBallot = "CONTEST_NOT_ON_BALLOT"
)

var sectionRe = regexp.MustCompile(`^######## (.+) ########`)

// voteForSuffixRe strips the " Vote for ..." suffix some reports append to
// contest names; the k bound comes from the election metadata instead.
var voteForSuffixRe = regexp.MustCompile(` Vote for.*$`)

// SampledBallot is one row of the SAMPLED BALLOTS section. The result maps
// key on contest name; a nil value means the contest was blank or not on
// the ballot.
type SampledBallot struct {
	ImprintedID string
	Audited     string
	Metadata    map[string]string
	AuditResult map[string]*string
	CVRResult   map[string]*string
	Discrepancy map[string]*string
}

// IsAudited reports whether the audit board marked the row AUDITED. Only
// audited rows take part in reconciliation.
func (sb *SampledBallot) IsAudited() bool {
	return sb.Audited == AuditedLiteral
}

// ParseAuditReportFile reads an audit report from disk.
func ParseAuditReportFile(path string) ([]*SampledBallot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open audit report %s: %v", ErrInputMalformed, path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Warnw("failed to close audit report", "path", path, "error", err.Error())
		}
	}()
	return ParseAuditReport(f)
}

// ParseAuditReport extracts and parses the SAMPLED BALLOTS section.
func ParseAuditReport(r io.Reader) ([]*SampledBallot, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read audit report: %v", ErrInputMalformed, err)
	}
	lines := strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n")

	start := -1
	for i, line := range lines {
		if m := sectionRe.FindStringSubmatch(line); m != nil && m[1] == sampledBallotsSection {
			start = i
			break
		}
	}
	if start == -1 {
		return nil, fmt.Errorf("%w: audit report has no %s section", ErrInputMalformed, sampledBallotsSection)
	}

	// the section runs until the next section delimiter or EOF
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if sectionRe.MatchString(lines[i]) {
			end = i
			break
		}
	}
	section := strings.Join(lines[start+1:end], "\n")
	if strings.TrimSpace(section) == "" {
		return []*SampledBallot{}, nil
	}

	cr := csv.NewReader(strings.NewReader(section))
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: sampled ballots parse failure: %v", ErrInputMalformed, err)
	}
	if len(rows) == 0 {
		return []*SampledBallot{}, nil
	}

	header := rows[0]
	imprintedCol := -1
	for i, h := range header {
		if strings.TrimSpace(h) == imprintedIDColumn {
			imprintedCol = i
			break
		}
	}
	if imprintedCol == -1 {
		return nil, fmt.Errorf("%w: no %q column in sampled ballots (columns: %s)",
			ErrInputMalformed, imprintedIDColumn, strings.Join(header, ","))
	}

	sampled := make([]*SampledBallot, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if allEmpty(row) {
			continue
		}
		sb := &SampledBallot{
			Metadata:    map[string]string{},
			AuditResult: map[string]*string{},
			CVRResult:   map[string]*string{},
			Discrepancy: map[string]*string{},
		}
		for i, h := range header {
			h = strings.TrimSpace(h)
			cell := ""
			if i < len(row) {
				cell = strings.TrimSpace(row[i])
			}
			switch {
			case h == imprintedIDColumn:
				sb.ImprintedID = cell
			case h == auditedColumn:
				sb.Audited = cell
			case strings.HasPrefix(h, auditResultPrefix):
				sb.AuditResult[fixContestName(h, auditResultPrefix)] = normalizeResult(cell)
			case strings.HasPrefix(h, cvrResultPrefix):
				sb.CVRResult[fixContestName(h, cvrResultPrefix)] = normalizeResult(cell)
			case strings.HasPrefix(h, discrepancyPrefix):
				sb.Discrepancy[fixContestName(h, discrepancyPrefix)] = normalizeResult(cell)
			default:
				sb.Metadata[h] = cell
			}
		}
		if sb.ImprintedID == "" {
			return nil, fmt.Errorf("%w: sampled ballot row without imprinted id", ErrInputMalformed)
		}
		sampled = append(sampled, sb)
	}
	return sampled, nil
}

// fixContestName strips the column prefix and any " Vote for ..." suffix.
func fixContestName(header, prefix string) string {
	name := strings.TrimPrefix(header, prefix)
	return strings.TrimSpace(voteForSuffixRe.ReplaceAllString(name, ""))
}

// normalizeResult maps empty cells and CONTEST_NOT_ON_BALLOT to nil.
func normalizeResult(cell string) *string {
	if cell == "" || cell == contestNotOnBallot {
		return nil
	}
	return &cell
}
