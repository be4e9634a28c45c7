// Package main implements the velocity binary: one CLI over a local store
// for creating, loading, scanning, compacting, and serving it.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velocitydb/velocity/internal/config"
	"github.com/velocitydb/velocity/internal/server"
	"github.com/velocitydb/velocity/internal/table"
	"github.com/velocitydb/velocity/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Velocity - embeddable columnar storage engine\n\n")
	fmt.Fprintf(os.Stderr, "Usage: velocity <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  create    initialize a store from a schema file\n")
	fmt.Fprintf(os.Stderr, "  ingest    load JSON rows into a store\n")
	fmt.Fprintf(os.Stderr, "  scan      read rows from a store\n")
	fmt.Fprintf(os.Stderr, "  compact   run one compaction cycle\n")
	fmt.Fprintf(os.Stderr, "  stats     print a store summary\n")
	fmt.Fprintf(os.Stderr, "  serve     keep the store open with background maintenance\n")
	fmt.Fprintf(os.Stderr, "  version   print version information\n\n")
	fmt.Fprintf(os.Stderr, "Common options:\n")
	fmt.Fprintf(os.Stderr, "  -config    path to a YAML or JSON configuration file\n")
	fmt.Fprintf(os.Stderr, "  -data-dir  base directory for all data files\n\n")
	fmt.Fprintf(os.Stderr, "Environment variables with the VELOCITY_ prefix override the\n")
	fmt.Fprintf(os.Stderr, "configuration file; flags override both.\n")
}

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "create":
		err = runCreate(args)
	case "ingest":
		err = runIngest(args)
	case "scan":
		err = runScan(args)
	case "compact":
		err = runCompact(args)
	case "stats":
		err = runStats(args)
	case "serve":
		err = runServe(args)
	case "version":
		fmt.Printf("velocity version %s (commit: %s)\n", version, commit)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "velocity: unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("velocity %s: %v", cmd, err)
	}
}

// commonFlags registers the flags every command shares and returns the
// destinations.
func commonFlags(fs *flag.FlagSet) (configFile, dataDir *string) {
	configFile = fs.String("config", "", "path to configuration file (YAML or JSON)")
	dataDir = fs.String("data-dir", "", "base directory for all data files")
	return
}

// loadConfig layers configuration: file, then environment, then flags.
func loadConfig(configFile, dataDir string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	configFile, dataDir := commonFlags(fs)
	schemaFile := fs.String("schema", "", "path to a JSON schema file (required)")
	fs.Parse(args)

	if *schemaFile == "" {
		return fmt.Errorf("-schema is required")
	}
	raw, err := os.ReadFile(*schemaFile)
	if err != nil {
		return err
	}
	var schema types.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}

	cfg, err := loadConfig(*configFile, *dataDir)
	if err != nil {
		return err
	}

	ctx := context.Background()
	tbl, err := table.Create(ctx, cfg, schema)
	if err != nil {
		return err
	}
	defer tbl.Close(ctx)
	fmt.Printf("created store in %s (%d columns)\n", cfg.DataDir, len(schema.Columns))
	return nil
}

func runIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configFile, dataDir := commonFlags(fs)
	file := fs.String("file", "-", "JSON-lines input, one row array per line (- for stdin)")
	batchSize := fs.Int("batch", 1000, "rows per commit")
	fs.Parse(args)

	cfg, err := loadConfig(*configFile, *dataDir)
	if err != nil {
		return err
	}

	in := os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	tbl, err := table.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer tbl.Close(ctx)
	schema := tbl.Schema()

	var batch []types.Row
	var total int
	var lastSeq uint64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		seq, err := tbl.Insert(ctx, batch)
		if err != nil {
			return err
		}
		total += len(batch)
		lastSeq = seq
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		row, err := parseRow(schema, text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		batch = append(batch, row)
		if len(batch) >= *batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	fmt.Printf("ingested %d rows (last commit seq %d)\n", total, lastSeq)
	return nil
}

// parseRow decodes one JSON array against the schema. UseNumber keeps big
// integers exact; binary columns take base64 text.
func parseRow(schema types.Schema, line []byte) (types.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var vals []interface{}
	if err := dec.Decode(&vals); err != nil {
		return nil, err
	}
	if len(vals) != len(schema.Columns) {
		return nil, fmt.Errorf("row has %d values, schema has %d columns", len(vals), len(schema.Columns))
	}

	row := make(types.Row, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		cv, err := decodeJSONValue(schema.Columns[i].Type, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", schema.Columns[i].Name, err)
		}
		row[i] = cv
	}
	return row, nil
}

func decodeJSONValue(typ types.Type, v interface{}) (interface{}, error) {
	switch typ {
	case types.TypeInt64, types.TypeTimestamp:
		if n, ok := v.(json.Number); ok {
			return n.Int64()
		}
	case types.TypeFloat64:
		if n, ok := v.(json.Number); ok {
			return n.Float64()
		}
	case types.TypeBinary:
		if s, ok := v.(string); ok {
			return base64.StdEncoding.DecodeString(s)
		}
	}
	return types.Coerce(typ, v)
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configFile, dataDir := commonFlags(fs)
	columns := fs.String("columns", "", "comma-separated projection (default: all)")
	filterCol := fs.String("filter", "", "column to filter on")
	eq := fs.String("eq", "", "equality filter value")
	min := fs.String("min", "", "inclusive lower bound")
	max := fs.String("max", "", "inclusive upper bound")
	offset := fs.Int("offset", 0, "rows to skip")
	limit := fs.Int("limit", 0, "maximum rows to return (0 = unlimited)")
	fs.Parse(args)

	cfg, err := loadConfig(*configFile, *dataDir)
	if err != nil {
		return err
	}

	ctx := context.Background()
	tbl, err := table.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer tbl.Close(ctx)

	opts := table.ScanOptions{Offset: *offset, Limit: *limit}
	if *columns != "" {
		opts.Projection = splitComma(*columns)
	}
	if *filterCol != "" {
		f, err := buildFilter(tbl.Schema(), *filterCol, *eq, *min, *max)
		if err != nil {
			return err
		}
		opts.Filter = f
	}

	snap := tbl.Begin()
	defer snap.Close()
	sc, err := tbl.Scan(ctx, snap, opts)
	if err != nil {
		return err
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	enc := json.NewEncoder(out)
	for {
		batch, err := sc.Next(ctx)
		if err != nil {
			return err
		}
		if batch == nil {
			return nil
		}
		for _, row := range batch {
			if err := enc.Encode(row); err != nil {
				return err
			}
		}
	}
}

// buildFilter parses the flag values with the filtered column's type.
func buildFilter(schema types.Schema, column, eq, min, max string) (*table.Filter, error) {
	def, ok := schema.Column(column)
	if !ok {
		return nil, fmt.Errorf("unknown filter column %q", column)
	}
	f := &table.Filter{Column: column}
	var err error
	if eq != "" {
		if f.Equals, err = parseScalar(def.Type, eq); err != nil {
			return nil, err
		}
	}
	if min != "" {
		if f.Min, err = parseScalar(def.Type, min); err != nil {
			return nil, err
		}
	}
	if max != "" {
		if f.Max, err = parseScalar(def.Type, max); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func parseScalar(typ types.Type, s string) (interface{}, error) {
	switch typ {
	case types.TypeInt64, types.TypeTimestamp:
		return strconv.ParseInt(s, 10, 64)
	case types.TypeFloat64:
		return strconv.ParseFloat(s, 64)
	case types.TypeBool:
		return strconv.ParseBool(s)
	case types.TypeBinary:
		return base64.StdEncoding.DecodeString(s)
	default:
		return s, nil
	}
}

func runCompact(args []string) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	configFile, dataDir := commonFlags(fs)
	strategy := fs.String("strategy", "", "compaction strategy: binpack, sortmerge, or zorder (default: configured)")
	fs.Parse(args)

	cfg, err := loadConfig(*configFile, *dataDir)
	if err != nil {
		return err
	}

	ctx := context.Background()
	tbl, err := table.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer tbl.Close(ctx)

	before, err := tbl.Stats(ctx)
	if err != nil {
		return err
	}
	if err := tbl.Compact(ctx, *strategy); err != nil {
		return err
	}
	after, err := tbl.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("compacted: %d -> %d segments, %d tombstoned rows reclaimed\n",
		before.SegmentCount, after.SegmentCount, before.TombstonedRows-after.TombstonedRows)
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configFile, dataDir := commonFlags(fs)
	fs.Parse(args)

	cfg, err := loadConfig(*configFile, *dataDir)
	if err != nil {
		return err
	}

	ctx := context.Background()
	tbl, err := table.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer tbl.Close(ctx)

	stats, err := tbl.Stats(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

// runServe keeps the store open so the flush and compaction loops run, and
// serves the Prometheus exporter when enabled. Blocks until SIGTERM/SIGINT.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configFile, dataDir := commonFlags(fs)
	metricsAddr := fs.String("metrics-addr", "", "metrics exporter address (overrides config)")
	fs.Parse(args)

	cfg, err := loadConfig(*configFile, *dataDir)
	if err != nil {
		return err
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = *metricsAddr
	}

	ctx := context.Background()
	tbl, err := table.Open(ctx, cfg)
	if err != nil {
		return err
	}

	sm := server.NewShutdownManager(0)
	sm.RegisterCloser(server.CloserFunc(func() error {
		return tbl.Close(context.Background())
	}))

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		gs := server.NewGracefulHTTPServer(&http.Server{Addr: cfg.Metrics.Addr, Handler: mux}, sm)
		go func() {
			log.Printf("serve: metrics exporter on %s", cfg.Metrics.Addr)
			if err := gs.ListenAndServe(); err != nil {
				log.Printf("serve: metrics exporter: %v", err)
			}
		}()
	}

	log.Printf("serve: store open in %s, waiting for shutdown signal", cfg.DataDir)
	return sm.ListenForSignals(ctx)
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
