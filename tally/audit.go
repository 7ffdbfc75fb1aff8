package tally

import (
	"fmt"
	"sort"
	"strings"

	"github.com/votingworks/arlo-e2e/crypto/elgamal"
	"github.com/votingworks/arlo-e2e/cvr"
	"github.com/votingworks/arlo-e2e/log"
)

// blankResult is what audit reports record for a contest with no marks.
const blankResult = "BLANK"

// AuditMismatch reports one disagreement between a sampled ballot's CVR
// result and the decryption of the stored ciphertext ballot.
type AuditMismatch struct {
	BallotID  string
	Contest   string
	Expected  string // what the audit report's CVR column says
	Decrypted string // what the stored ciphertext decrypts to
}

func (am AuditMismatch) String() string {
	return fmt.Sprintf("ballot %s contest %q: report says %q, ciphertext decrypts to %q",
		am.BallotID, am.Contest, am.Expected, am.Decrypted)
}

// Reconcile matches the audit board's sampled ballots against the sealed
// encrypted corpus. For every AUDITED row it looks up the ciphertext
// ballot by imprinted id, re-derives its per-selection nonces from the
// encryption seed, decrypts each selection and compares the selected names
// against the report's "CVR Result" column. "Audit Result" and
// "Discrepancy" columns carry no cryptographic weight and are ignored.
//
// The returned slice holds every mismatch found; a non-nil error means the
// reconciliation itself could not run.
func Reconcile(lr *LoadedResults, sampled []*cvr.SampledBallot, seed []byte) ([]AuditMismatch, error) {
	group := elgamal.DefaultGroup()
	publicKey := lr.Context.PublicKey.MathBigInt()
	ns := elgamal.NewNonceStream(group, seed)

	var mismatches []AuditMismatch
	audited := 0
	for _, sb := range sampled {
		if !sb.IsAudited() {
			continue
		}
		audited++
		cb, ok := lr.Ballot(sb.ImprintedID)
		if !ok {
			return nil, fmt.Errorf("%w: sampled ballot %s not found in the encrypted corpus",
				cvr.ErrInputMalformed, sb.ImprintedID)
		}

		for contest, expected := range sb.CVRResult {
			cc, onBallot := cb.Contest(contest)
			if !onBallot {
				if expected != nil {
					mismatches = append(mismatches, AuditMismatch{
						BallotID:  sb.ImprintedID,
						Contest:   contest,
						Expected:  *expected,
						Decrypted: "(contest not on ballot)",
					})
				}
				continue
			}

			var selected []string
			for _, sel := range cc.Selections {
				nonce := ns.Nonce(cb.BallotID, contest, sel.Name)
				v, err := elgamal.DecryptKnownNonce(group, sel.Ciphertext, nonce, publicKey, 1)
				if err != nil {
					return nil, fmt.Errorf("ballot %s contest %q selection %q: %w",
						cb.BallotID, contest, sel.Name, err)
				}
				if v == 1 {
					selected = append(selected, sel.Name)
				}
			}

			if !resultMatches(expected, selected) {
				mismatches = append(mismatches, AuditMismatch{
					BallotID:  sb.ImprintedID,
					Contest:   contest,
					Expected:  expectedString(expected),
					Decrypted: strings.Join(selected, ", "),
				})
			}
		}
	}

	log.Infow("audit reconciliation finished",
		"sampled", len(sampled),
		"audited", audited,
		"mismatches", len(mismatches),
	)
	return mismatches, nil
}

// resultMatches compares a CVR-result cell with the decrypted selection
// names. A nil or BLANK cell expects no selections; otherwise the cell is
// a comma-separated name list (k-of-n contests list several, in no
// particular order).
func resultMatches(expected *string, selected []string) bool {
	if expected == nil || *expected == blankResult {
		return len(selected) == 0
	}
	want := []string{}
	for _, name := range strings.Split(*expected, ",") {
		if name = strings.TrimSpace(name); name != "" {
			want = append(want, name)
		}
	}
	if len(want) != len(selected) {
		return false
	}
	got := append([]string{}, selected...)
	sort.Strings(want)
	sort.Strings(got)
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

func expectedString(expected *string) string {
	if expected == nil {
		return "(blank)"
	}
	return *expected
}
