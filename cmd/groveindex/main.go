// Command groveindex is a small demonstration CLI exercising the B+Tree
// index stack (builder, reader, disk transport, config, logging) end to
// end: it is grounded on the general shape of perkeep.org's cmd/ tools,
// flag-parsed subcommands operating on a DiskTransport, and is not itself
// part of the specified index core (§10.9).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"grove.dev/pkg/blocktransport"
	"grove.dev/pkg/btreeindex"
	"grove.dev/pkg/graphkey"
	"grove.dev/pkg/jsonconfig"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(os.Args[2:])
	case "dump":
		err = runDump(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "groveindex:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  groveindex build -in <key-value.tsv> -out <index-file> [-spill-at N]
  groveindex dump -in <index-file>
  groveindex validate -in <index-file>`)
}

func newLogger() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// runBuild reads newline-delimited "key\tvalue" lines from -in (a single
// key element, no reference lists — enough to exercise the builder and
// page codec without inventing a reference-list input syntax for a CLI
// demo) and writes a finished B+Tree index file to -out.
func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	in := fs.String("in", "", "input key\\tvalue TSV file")
	out := fs.String("out", "", "output index file path")
	spillAt := fs.Int("spill-at", 100000, "builder in-memory record cap before spill")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		return fmt.Errorf("build: -in and -out are required")
	}

	logger := newLogger()
	defer logger.Sync()

	records, err := readTSV(*in)
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key.Less(records[j].Key) })

	cfg := jsonconfig.Obj{
		"key_elements": float64(1),
		"ref_lists":    float64(0),
		"spill_at":     float64(*spillAt),
	}
	opts, err := btreeindex.LoadBuildOptions(cfg)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	opts.Logger = logger

	dir := filepath.Dir(*out)
	transport := blocktransport.NewDiskTransport(dir, 0)

	builder := btreeindex.NewBuilder(opts, transport, ".")
	ctx := context.Background()
	for _, rec := range records {
		if err := builder.Add(ctx, rec.Key, rec.Value, rec.Refs); err != nil {
			return fmt.Errorf("build: add %q: %w", rec.Key, err)
		}
	}
	data, err := builder.Finish(ctx)
	if err != nil {
		return fmt.Errorf("build: finish: %w", err)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("build: write %q: %w", *out, err)
	}
	logger.Info("wrote index", zap.String("path", *out), zap.Int("records", len(records)), zap.Int("bytes", len(data)))
	return nil
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	in := fs.String("in", "", "input index file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("dump: -in is required")
	}

	reader, ctx, err := openReader(*in)
	if err != nil {
		return err
	}
	it, err := reader.IterAll(ctx)
	if err != nil {
		return err
	}
	records, err := graphkey.Collect(it)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\n", strings.Join(rec.Key, "\x00"), rec.Value)
	}
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	in := fs.String("in", "", "input index file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("validate: -in is required")
	}
	reader, ctx, err := openReader(*in)
	if err != nil {
		return err
	}
	if err := reader.Validate(ctx); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func openReader(path string) (*btreeindex.Reader, context.Context, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	transport := blocktransport.NewDiskTransport(filepath.Dir(path), 0)
	opts := btreeindex.DefaultBuildOptions(1, 0)
	opts.Logger = newLogger()
	reader := btreeindex.NewReader(transport, filepath.Base(path), info.Size(), opts)
	return reader, context.Background(), nil
}

func readTSV(path string) ([]graphkey.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []graphkey.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" {
			continue
		}
		parts := strings.SplitN(text, "\t", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: expected key\\tvalue, got %q", line, text)
		}
		records = append(records, graphkey.Record{
			Key:   graphkey.Key{parts[0]},
			Value: graphkey.Value(parts[1]),
			Refs:  graphkey.RefLists{},
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
