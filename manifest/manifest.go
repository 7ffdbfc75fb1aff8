// Package manifest provides hash-verified file storage under a results
// directory. Every write is recorded as (SHA-256, length) against a
// platform-independent logical name; sealing the directory publishes the
// record as MANIFEST.json, after which every read re-verifies the bytes.
package manifest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/votingworks/arlo-e2e/log"
	"github.com/votingworks/arlo-e2e/types"
)

// ErrStorageIntegrity is wrapped by every failure that indicates a missing
// manifest entry, a hash or length mismatch, or a conflicting merge.
var ErrStorageIntegrity = fmt.Errorf("storage integrity violated")

// FileInfo records what we know about a written file: the SHA-256 of its
// bytes (standard base64, with padding) and its length.
type FileInfo struct {
	Hash     string `json:"hash"`
	NumBytes int64  `json:"num_bytes"`
}

// external is the on-disk representation of a manifest, the value
// serialized as MANIFEST.json. It omits the root directory, which would
// make no sense to persist.
type external struct {
	Hashes       map[string]FileInfo `json:"hashes"`
	BytesWritten int64               `json:"bytes_written"`
}

// Manifest tracks every file written under its root directory.
//
// A Manifest is not safe for concurrent use. During a parallel run each
// worker owns a private Manifest over the shared root (writing disjoint
// paths) and the coordinator merges them before sealing.
type Manifest struct {
	root         string
	hashes       map[string]FileInfo
	bytesWritten int64
	sealed       bool
}

// NewFresh creates a manifest over root, creating the directory if needed.
// With deleteExisting, any previous contents of root are removed first.
func NewFresh(root string, deleteExisting bool) (*Manifest, error) {
	if deleteExisting {
		if err := os.RemoveAll(root); err != nil {
			return nil, fmt.Errorf("could not wipe %s: %w", root, err)
		}
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("could not create %s: %w", root, err)
	}
	return &Manifest{
		root:   root,
		hashes: map[string]FileInfo{},
	}, nil
}

// Existing loads the manifest sealed under root. It fails if MANIFEST.json
// is missing or malformed.
func Existing(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, types.ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot load %s: %v", ErrStorageIntegrity, types.ManifestFileName, err)
	}
	var ext external
	if err := json.Unmarshal(data, &ext); err != nil {
		return nil, fmt.Errorf("%w: malformed %s: %v", ErrStorageIntegrity, types.ManifestFileName, err)
	}
	if ext.Hashes == nil {
		return nil, fmt.Errorf("%w: %s has no hashes map", ErrStorageIntegrity, types.ManifestFileName)
	}
	return &Manifest{
		root:         root,
		hashes:       ext.Hashes,
		bytesWritten: ext.BytesWritten,
		sealed:       true,
	}, nil
}

// Root returns the root directory of the manifest.
func (m *Manifest) Root() string {
	return m.root
}

// BytesWritten returns the total number of payload bytes recorded.
func (m *Manifest) BytesWritten() int64 {
	return m.bytesWritten
}

// Names returns the logical names of every recorded file.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.hashes))
	for name := range m.hashes {
		names = append(names, name)
	}
	return names
}

// Info returns the recorded entry for a logical name.
func (m *Manifest) Info(name string) (FileInfo, bool) {
	info, ok := m.hashes[name]
	return info, ok
}

// Name composes the platform-independent logical name for the given path
// segments. Logical names are what MANIFEST.json keys on, so they must
// hash identically on every platform: segments are joined with a vertical
// bar, never the host path separator.
func Name(parts ...string) string {
	return strings.Join(parts, types.ManifestSeparator)
}

// Filename composes the on-disk path for the given path segments, rooted
// at the manifest's root directory.
func (m *Manifest) Filename(parts ...string) string {
	return filepath.Join(append([]string{m.root}, parts...)...)
}

// NameToFilename converts a logical name back to its on-disk path.
func (m *Manifest) NameToFilename(name string) string {
	return m.Filename(strings.Split(name, types.ManifestSeparator)...)
}

// Sha256B64 returns the standard padded-base64 encoding of the SHA-256 of
// the given bytes, the hash format recorded in MANIFEST.json.
func Sha256B64(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// WriteFile writes data under the path segments and records its hash and
// length. Writing a name that was already recorded fails if the content
// differs; an identical rewrite is tolerated with a warning.
func (m *Manifest) WriteFile(data []byte, parts ...string) (string, error) {
	if m.sealed {
		return "", fmt.Errorf("%w: manifest already sealed", ErrStorageIntegrity)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: empty logical name", ErrStorageIntegrity)
	}
	name := Name(parts...)
	info := FileInfo{
		Hash:     Sha256B64(data),
		NumBytes: int64(len(data)),
	}
	if prev, ok := m.hashes[name]; ok {
		if prev != info {
			return "", fmt.Errorf("%w: conflicting rewrite of %s", ErrStorageIntegrity, name)
		}
		log.Warnw("rewriting an identical manifest entry", "name", name)
	}
	if len(parts) > 1 {
		if err := os.MkdirAll(filepath.Dir(m.Filename(parts...)), 0o750); err != nil {
			return "", fmt.Errorf("could not create subdirectory for %s: %w", name, err)
		}
	}
	if err := os.WriteFile(m.Filename(parts...), data, 0o640); err != nil {
		return "", fmt.Errorf("could not write %s: %w", name, err)
	}
	m.hashes[name] = info
	m.bytesWritten += info.NumBytes
	return info.Hash, nil
}

// WriteJSON marshals v with two-space indentation and writes it through
// WriteFile. Indented canonical JSON keeps sealed directories diffable and
// byte-stable across runs (encoding/json sorts map keys).
func (m *Manifest) WriteJSON(v any, parts ...string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("could not marshal %s: %w", Name(parts...), err)
	}
	return m.WriteFile(data, parts...)
}

// ReadFile loads the bytes for the path segments, recomputes their hash
// and length and compares both against the recorded entry.
func (m *Manifest) ReadFile(parts ...string) ([]byte, error) {
	name := Name(parts...)
	info, ok := m.hashes[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing entry for %s", ErrStorageIntegrity, name)
	}
	data, err := os.ReadFile(m.Filename(parts...))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read %s: %v", ErrStorageIntegrity, name, err)
	}
	if int64(len(data)) != info.NumBytes {
		return nil, fmt.Errorf("%w: %s has %d bytes, expected %d",
			ErrStorageIntegrity, name, len(data), info.NumBytes)
	}
	if got := Sha256B64(data); got != info.Hash {
		return nil, fmt.Errorf("%w: %s hash mismatch (got %s, expected %s)",
			ErrStorageIntegrity, name, got, info.Hash)
	}
	return data, nil
}

// ReadJSON reads a verified file and unmarshals it into out.
func (m *Manifest) ReadJSON(out any, parts ...string) error {
	data, err := m.ReadFile(parts...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: cannot decode %s: %v", ErrStorageIntegrity, Name(parts...), err)
	}
	return nil
}

// Merge folds the entries of other into m. Both manifests must share the
// same root; a shared logical name with disagreeing entries is fatal.
func (m *Manifest) Merge(other *Manifest) error {
	if m.sealed {
		return fmt.Errorf("%w: manifest already sealed", ErrStorageIntegrity)
	}
	if other.root != m.root {
		return fmt.Errorf("%w: cannot merge manifests with roots %s and %s",
			ErrStorageIntegrity, m.root, other.root)
	}
	for name, info := range other.hashes {
		if prev, ok := m.hashes[name]; ok {
			if prev != info {
				return fmt.Errorf("%w: disagreeing contents for %s: %+v vs %+v",
					ErrStorageIntegrity, name, prev, info)
			}
			continue
		}
		m.hashes[name] = info
		m.bytesWritten += info.NumBytes
	}
	return nil
}

// Seal writes MANIFEST.json as the final artifact. The serialized map is
// key-sorted, so any legal interleaving of prior writes seals to the same
// bytes. After sealing, only reads are legal.
func (m *Manifest) Seal() error {
	if m.sealed {
		return fmt.Errorf("%w: manifest already sealed", ErrStorageIntegrity)
	}
	data, err := json.MarshalIndent(external{
		Hashes:       m.hashes,
		BytesWritten: m.bytesWritten,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.root, types.ManifestFileName), data, 0o640); err != nil {
		return fmt.Errorf("could not write %s: %w", types.ManifestFileName, err)
	}
	m.sealed = true
	log.Infow("manifest sealed", "root", m.root, "files", len(m.hashes), "bytes", m.bytesWritten)
	return nil
}

// AllHashesUnique reports whether no two recorded entries share a hash.
// Duplicate hashes are possible for intentionally identical files, so this
// is a diagnostic, not an integrity check.
func (m *Manifest) AllHashesUnique() bool {
	seen := make(map[string]string, len(m.hashes))
	unique := true
	for name, info := range m.hashes {
		if prev, ok := seen[info.Hash]; ok {
			log.Warnw("duplicate file hash in manifest", "name", name, "duplicates", prev)
			unique = false
			continue
		}
		seen[info.Hash] = name
	}
	return unique
}

// BallotParts returns the sharded path segments for a ballot id:
// ballots/<first-4-chars>/<id>.json. Sharding by prefix keeps a leaf
// directory at or under 10^4 entries.
func BallotParts(ballotID string) []string {
	prefix := ballotID
	if len(prefix) > types.BallotIDPrefixLen {
		prefix = prefix[:types.BallotIDPrefixLen]
	}
	return []string{"ballots", prefix, ballotID + ".json"}
}
