package types

const (
	// BallotIDPrefixLen is the number of leading ballot-id characters used
	// to shard ballot files into subdirectories. 4 characters keeps a leaf
	// directory at 10^4 files even for million-ballot elections.
	BallotIDPrefixLen = 4
	// DefaultShardSize is the number of ciphertext ballots combined per
	// partial aggregate during the tally reduction.
	DefaultShardSize = 32
	// ManifestSeparator joins the logical path segments of a manifest
	// entry. It is not a legal path character on any supported platform,
	// so manifest names hash identically everywhere.
	ManifestSeparator = "|"
	// ManifestFileName is the final artifact sealing a results directory.
	ManifestFileName = "MANIFEST.json"
)
