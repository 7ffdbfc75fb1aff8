// tally-bench runs the full encrypted-tally pipeline over one or more CVR
// exports, optionally sealing each result to disk and re-verifying it.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/votingworks/arlo-e2e/cvr"
	"github.com/votingworks/arlo-e2e/log"
	"github.com/votingworks/arlo-e2e/tally"
)

func main() {
	var (
		dir       = flag.String("dir", "", "directory in which each tally is sealed to disk and re-verified (default: results are not written)")
		seed      = flag.String("seed", "", "encryption seed for reproducible runs (default: random)")
		secret    = flag.Int64("secret", 31337, "benchmark secret key; the keypair only needs to be consistent across runs")
		workers   = flag.Int("workers", 0, "worker pool size (default: number of CPUs)")
		shardSize = flag.Int("shard-size", 0, "ballots per reduction shard")
		logLevel  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		verbose   = flag.Bool("verbose", false, "report per-ballot verification progress")
	)
	flag.Parse()
	log.Init(*logLevel, "stderr")

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <cvr-file> [...]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	for _, file := range files {
		if err := runBench(file, *dir, *seed, *secret, *workers, *shardSize, *verbose); err != nil {
			log.Errorw(err, fmt.Sprintf("benchmark failed for %s", file))
			os.Exit(1)
		}
	}
}

func runBench(file, dir, seed string, secret int64, workers, shardSize int, verbose bool) error {
	fmt.Printf("Benchmarking: %s\n", file)

	parseStart := time.Now()
	parsed, err := cvr.ParseFile(file)
	if err != nil {
		return err
	}
	parseTime := time.Since(parseStart)
	rows := len(parsed.Ballots)
	fmt.Printf("    Parse time:  %.3f sec, %.3f ballots/sec\n",
		parseTime.Seconds(), float64(rows)/parseTime.Seconds())

	opts := tally.Options{
		Secret:    big.NewInt(secret),
		Workers:   workers,
		ShardSize: shardSize,
	}
	if seed != "" {
		opts.Seed = []byte(seed)
	}

	tallyStart := time.Now()
	results, err := tally.TallyEverything(context.Background(), parsed, opts)
	if err != nil {
		return err
	}
	defer results.Close()
	tallyTime := time.Since(tallyStart)

	fmt.Printf("\nOVERALL PERFORMANCE\n")
	fmt.Printf("    Tally time:  %.3f sec\n", tallyTime.Seconds())
	fmt.Printf("    Tally rate:  %.3f ballots/sec\n", float64(rows)/tallyTime.Seconds())

	if dir == "" {
		return nil
	}

	// each input seals into its own fresh subdirectory; a tally never
	// overwrites a previous one
	root := filepath.Join(dir, strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)))
	if err := tally.WriteResults(results, root, workers); err != nil {
		return err
	}

	fmt.Printf("\nSANITY CHECK\n")
	verifyStart := time.Now()
	if err := tally.Verify(context.Background(), root, results.Keypair.PublicKey.MathBigInt(),
		tally.VerifyOptions{Verbose: verbose}); err != nil {
		return err
	}
	fmt.Printf("    Verify time: %.3f sec\n", time.Since(verifyStart).Seconds())
	return nil
}
