package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"
)

type config struct {
	dbURL   string
	outDir  string
	timeout time.Duration
}

type finding struct {
	Check        string
	SerialNumber string
	RecordID     string
	Detail       string
}

type check struct {
	name  string
	query string
}

// checks lists cross-table consistency queries. Each returns
// (serial_number, record_id, detail) rows for every violation.
var checks = []check{
	{
		name: "lifecycle_active_flag",
		query: `
SELECT serial_number, serial_number, state || ' is_active=' || is_active::text
FROM device_lifecycle
WHERE is_active <> (state = 'ACTIVE')
ORDER BY serial_number`,
	},
	{
		name: "association_missing_end",
		query: `
SELECT serial_number, id::text, association_status
FROM device_associations
WHERE association_status = 'DISASSOCIATED'
  AND (disassociated_on IS NULL OR end_timestamp IS NULL)
ORDER BY id`,
	},
	{
		name: "association_unknown_device",
		query: `
SELECT a.serial_number, a.id::text, a.association_status
FROM device_associations a
LEFT JOIN device_identities d ON d.serial_number = a.serial_number
WHERE d.serial_number IS NULL
  AND a.association_status IN ('ASSOCIATION_INITIATED', 'ASSOCIATED')
ORDER BY a.id`,
	},
	{
		name: "readiness_open_after_disassociation",
		query: `
SELECT r.serial_number, r.id::text, 'association ' || a.id::text
FROM activation_readiness r
JOIN device_associations a ON a.serial_number = r.serial_number
WHERE r.activation_ready
  AND a.association_status = 'DISASSOCIATED'
  AND r.activation_initiated_on < a.disassociated_on
ORDER BY r.id`,
	},
	{
		name: "identity_registry_pending",
		query: `
SELECT serial_number, vin, 'registry create pending since ' || created_at::text
FROM device_identities
WHERE vin IS NOT NULL
  AND registry_synced_at IS NULL
ORDER BY created_at`,
	},
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := os.MkdirAll(cfg.outDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "create out dir:", err)
		os.Exit(2)
	}

	db, err := sql.Open("pgx", cfg.dbURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db open:", err)
		os.Exit(2)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	findings, err := runChecks(ctx, db)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	path := filepath.Join(cfg.outDir, "reconcile_findings.csv")
	file, err := os.Create(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create report:", err)
		os.Exit(2)
	}
	if err := writeFindings(file, findings); err != nil {
		file.Close()
		fmt.Fprintln(os.Stderr, "write report:", err)
		os.Exit(2)
	}
	file.Close()

	fmt.Printf("reconcile: %d findings written to %s\n", len(findings), path)
	if len(findings) > 0 {
		os.Exit(1)
	}
}

func parseFlags(args []string) (config, error) {
	var cfg config
	fs := pflag.NewFlagSet("reconcile", pflag.ContinueOnError)
	fs.StringVar(&cfg.dbURL, "db", getenvDefault("DATABASE_URL", os.Getenv("PG_DSN")), "postgres DSN")
	fs.StringVar(&cfg.outDir, "out", "reconcile-out", "output directory for the CSV report")
	fs.DurationVar(&cfg.timeout, "timeout", time.Minute, "overall query timeout")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if cfg.dbURL == "" {
		return config{}, fmt.Errorf("--db or DATABASE_URL is required")
	}
	return cfg, nil
}

func runChecks(ctx context.Context, db *sql.DB) ([]finding, error) {
	var findings []finding
	for _, c := range checks {
		rows, err := db.QueryContext(ctx, c.query)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
		for rows.Next() {
			f := finding{Check: c.name}
			var serial sql.NullString
			if err := rows.Scan(&serial, &f.RecordID, &f.Detail); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%s: scan: %w", c.name, err)
			}
			f.SerialNumber = serial.String
			findings = append(findings, f)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
		rows.Close()
	}
	return findings, nil
}

func writeFindings(w io.Writer, findings []finding) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"check", "serial_number", "record_id", "detail"}); err != nil {
		return err
	}
	for _, f := range findings {
		if err := writer.Write([]string{f.Check, f.SerialNumber, f.RecordID, f.Detail}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
