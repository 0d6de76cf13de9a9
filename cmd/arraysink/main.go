// arraysink: stream NDJSON records from stdin into sharded JSON array files,
// on the local filesystem or in S3-compatible object storage.
// Commands: write, ls.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/arraysink/arraysink/internal/config"
	"github.com/arraysink/arraysink/internal/journal"
	"github.com/arraysink/arraysink/internal/writer"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: arraysink <command> [flags]

commands:
  write    read NDJSON records from stdin and write sharded JSON arrays
  ls       list finalized shards recorded in the journal

run "arraysink <command> -h" for command flags
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "write":
		cmdWrite(os.Args[2:])
	case "ls":
		cmdLs(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "arraysink: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func newLogger(verbose, debug bool) *zap.Logger {
	if !verbose && !debug {
		return zap.NewNop()
	}
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func cmdWrite(args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	folder := fs.String("folder", "", "destination folder (local path or bucket prefix)")
	bucket := fs.String("bucket", "", "S3 bucket; implies a remote target")
	pattern := fs.String("pattern", "", "shard key pattern containing "+config.Placeholder)
	maxItems := fs.Int("max", 0, "max items per shard")
	appendMode := fs.Bool("append", false, "resume existing shard files")
	overwrite := fs.Bool("overwrite", false, "overwrite existing shard files")
	compress := fs.Bool("compress", false, "zstd-compress shards")
	mkdir := fs.Bool("mkdir", false, "create the destination folder recursively")
	journalPath := fs.String("journal", "", "shard journal database path")
	region := fs.String("region", "", "S3 region")
	endpoint := fs.String("endpoint", "", "S3 endpoint override (MinIO etc.)")
	pathStyle := fs.Bool("path-style", false, "use path-style S3 addressing")
	verbose := fs.Bool("verbose", false, "narrate shard progress")
	debug := fs.Bool("debug", false, "per-item diagnostics")
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arraysink: %v\n", err)
		os.Exit(1)
	}
	// Flags given explicitly win over file and env.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "folder":
			cfg.Folder = *folder
		case "bucket":
			cfg.Bucket = *bucket
			cfg.Local = false
		case "pattern":
			cfg.KeyPattern = *pattern
		case "max":
			cfg.MaxItemsPerShard = *maxItems
		case "append":
			cfg.Append = *appendMode
		case "overwrite":
			cfg.Overwrite = *overwrite
		case "compress":
			cfg.Compress = *compress
		case "mkdir":
			cfg.MkdirRecursive = *mkdir
		case "journal":
			cfg.JournalPath = *journalPath
		case "region":
			cfg.Region = *region
		case "endpoint":
			cfg.Endpoint = *endpoint
		case "path-style":
			cfg.PathStyle = *pathStyle
		case "verbose":
			cfg.Verbose = *verbose
		case "debug":
			cfg.Debug = *debug
		}
	})

	log := newLogger(cfg.Verbose, cfg.Debug)
	defer log.Sync()

	opts := []writer.Option{writer.WithLogger(log)}
	if cfg.Verbose && term.IsTerminal(int(os.Stderr.Fd())) {
		opts = append(opts, writer.WithProgress(func(key string, bytes int64) {
			fmt.Fprintf(os.Stderr, "\r%s: %s uploaded", key, formatBytes(bytes))
		}))
	}

	ctx := context.Background()
	w, err := writer.New(ctx, cfg, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arraysink: %v\n", err)
		os.Exit(1)
	}

	var pushed, rejected, skipped int
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			skipped++
			log.Warn("skipping invalid JSON line", zap.Int("line", pushed+rejected+skipped))
			continue
		}
		rec := json.RawMessage(append([]byte(nil), line...))
		if err := w.Push(ctx, rec); err != nil {
			if writer.Recoverable(err) {
				rejected++
				log.Warn("item rejected", zap.Error(err))
				continue
			}
			fmt.Fprintf(os.Stderr, "\narraysink: %v\n", err)
			os.Exit(1)
		}
		pushed++
	}
	if err := sc.Err(); err != nil {
		w.Close(ctx)
		fmt.Fprintf(os.Stderr, "arraysink: read stdin: %v\n", err)
		os.Exit(1)
	}
	if err := w.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "\narraysink: %v\n", err)
		os.Exit(1)
	}

	keys := w.ShardKeys()
	fmt.Printf("wrote %d items across %d shards\n", w.TotalItemsWritten(), len(keys))
	for _, k := range keys {
		fmt.Printf("  %s\n", k)
	}
	if rejected > 0 || skipped > 0 {
		fmt.Printf("rejected %d items, skipped %d invalid lines\n", rejected, skipped)
	}
}

func cmdLs(args []string) {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	journalPath := fs.String("journal", "", "shard journal database path")
	runID := fs.String("run", "", "limit to one run id")
	fs.Parse(args)

	path := *journalPath
	if path == "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "arraysink: %v\n", err)
			os.Exit(1)
		}
		path = cfg.JournalPath
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "arraysink: no journal path configured")
		os.Exit(1)
	}

	j, err := journal.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arraysink: %v\n", err)
		os.Exit(1)
	}
	defer j.Close()

	var entries []journal.Entry
	if *runID != "" {
		entries, err = j.ListRun(*runID)
	} else {
		entries, err = j.List()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "arraysink: %v\n", err)
		os.Exit(1)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Shard", "Items", "Bytes", "Checksum", "Completed", "Run"})
	for _, e := range entries {
		sum := e.Checksum
		if len(sum) > 12 {
			sum = sum[:12]
		}
		t.AppendRow(table.Row{
			e.Key,
			strconv.Itoa(e.Items),
			formatBytes(e.Bytes),
			sum,
			e.CompletedAt.Format("2006-01-02 15:04:05"),
			shortRun(e.RunID),
		})
	}
	t.Render()
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
