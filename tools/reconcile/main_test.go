package main

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestRunChecksCollectsFindings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	for i, c := range checks {
		rows := sqlmock.NewRows([]string{"serial_number", "record_id", "detail"})
		if i == 1 {
			rows.AddRow("SN-1", "42", "DISASSOCIATED")
		}
		mock.ExpectQuery(regexp.QuoteMeta(strings.TrimSpace(strings.SplitN(c.query, "\n", 3)[1]))).WillReturnRows(rows)
	}

	findings, err := runChecks(context.Background(), db)
	if err != nil {
		t.Fatalf("run checks: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	got := findings[0]
	if got.Check != "association_missing_end" || got.SerialNumber != "SN-1" || got.RecordID != "42" {
		t.Fatalf("unexpected finding %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWriteFindings(t *testing.T) {
	var buf bytes.Buffer
	err := writeFindings(&buf, []finding{{Check: "lifecycle_active_flag", SerialNumber: "SN-2", RecordID: "SN-2", Detail: "STOLEN is_active=true"}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	want := "check,serial_number,record_id,detail\nlifecycle_active_flag,SN-2,SN-2,STOLEN is_active=true\n"
	if buf.String() != want {
		t.Fatalf("unexpected csv:\n%s", buf.String())
	}
}

func TestParseFlagsRequiresDB(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "")
	if _, err := parseFlags(nil); err == nil {
		t.Fatalf("expected error without db url")
	}
	cfg, err := parseFlags([]string{"--db", "postgres://x", "--out", "/tmp/r"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.dbURL != "postgres://x" || cfg.outDir != "/tmp/r" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
