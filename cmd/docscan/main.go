package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"doctracker/internal/cache"
	"doctracker/internal/export"
	"doctracker/internal/repository"
	"doctracker/internal/scan"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		dir     = flag.String("dir", "", "directory to scan (required)")
		dataDir = flag.String("data", "./data", "directory holding the scan cache")
		dbPath  = flag.String("db", "", "sqlite ledger path (optional; empty runs cache-only)")
		year    = flag.Int("year", 0, "restrict to files touched in the given year")
		hidden  = flag.Bool("hidden", false, "include hidden files and directories")
		out     = flag.String("out", "", "write an XLSX ledger export after the scan (requires --db)")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *dir == "" {
		printError("Error: --dir is required\n")
		os.Exit(1)
	}
	if *out != "" && *dbPath == "" {
		printError("Error: --out requires --db\n")
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx := context.Background()

	var ledger repository.FileVersionRepository
	var db *repository.DB
	if *dbPath != "" {
		var err error
		db, err = repository.Open(ctx, repository.Config{
			Driver: repository.DriverSQLite,
			Path:   *dbPath,
		}, logger)
		if err != nil {
			printError("Error: opening ledger: %v\n", err)
			os.Exit(1)
		}
		defer db.Close(logger)
		ledger = repository.NewFileVersionRepository(db, logger)
		if err := ledger.EnsureSchema(ctx); err != nil {
			printError("Error: preparing ledger schema: %v\n", err)
			os.Exit(1)
		}
	}

	fileCache, err := cache.New(*dataDir, logger)
	if err != nil {
		printError("Error: opening scan cache: %v\n", err)
		os.Exit(1)
	}

	opts := []scan.Option{
		scan.WithSkipHidden(!*hidden),
		scan.WithLogger(logger),
	}
	if *year != 0 {
		opts = append(opts, scan.WithTimeWindow(scan.YearWindow(*year)))
	}
	scanner := scan.New(fileCache, ledger, opts...)

	started := time.Now()
	report, err := scanner.Scan(ctx, *dir)
	if err != nil {
		printError("Error: scan failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("scanned %s in %s\n", *dir, time.Since(started).Round(time.Millisecond))
	fmt.Printf("  new:       %d\n", len(report.New))
	fmt.Printf("  updated:   %d\n", len(report.Updated))
	fmt.Printf("  unchanged: %d\n", len(report.Unchanged))
	fmt.Printf("  deleted:   %d\n", len(report.Deleted))
	if len(report.Errors) > 0 {
		fmt.Printf("  errors:    %d\n", len(report.Errors))
		for _, fe := range report.Errors {
			printError("    %s: %v\n", fe.Path, fe.Err)
		}
	}
	if report.Stats.LedgerErrors > 0 {
		printError("  ledger errors: %d\n", report.Stats.LedgerErrors)
	}

	if *out != "" {
		exporter := export.NewService(ledger, logger)
		data, err := exporter.ExportVersionsXLSX(ctx, "all", time.Time{}, time.Time{})
		if err != nil {
			printError("Error: export failed: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			printError("Error: writing %s: %v\n", *out, err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s (%d bytes)\n", filepath.Clean(*out), len(data))
	}
}
