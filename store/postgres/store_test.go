package postgres

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/metering"
)

func TestEmbeddedMigrations(t *testing.T) {
	files, err := fs.Glob(migrationsFS, migrationsDir+"/*.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		t.Fatal("no migrations embedded")
	}

	body, err := fs.ReadFile(migrationsFS, files[0])
	if err != nil {
		t.Fatal(err)
	}
	sql := string(body)
	for _, want := range []string{
		"-- +goose Up",
		"-- +goose Down",
		"alerts_once_per_cycle UNIQUE (user_id, alert_type, cycle_start)",
		"devices_user_device UNIQUE (user_id, device_id)",
		"CHECK (remaining_quota >= 0)",
		"WHERE is_active",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("migration missing %q", want)
		}
	}
}

func TestArgHelpers(t *testing.T) {
	if limitArg(0) != nil || limitArg(-1) != nil {
		t.Error("non-positive limit should be NULL")
	}
	if limitArg(25) != 25 {
		t.Error("positive limit should pass through")
	}
	if optTime(time.Time{}) != nil {
		t.Error("zero time should be NULL")
	}
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	if optTime(at) != at {
		t.Error("time should pass through")
	}
}

func TestErrorClassification(t *testing.T) {
	dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: uniqueViolation})
	if !isUniqueViolation(dup) {
		t.Error("23505 should be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("23503 is not a unique violation")
	}
	if !isNoRows(fmt.Errorf("scan: %w", pgx.ErrNoRows)) {
		t.Error("wrapped ErrNoRows not detected")
	}

	err := wrapErr("deduct quota", errors.New("boom"), false)
	if metering.IsRetryable(err) {
		t.Errorf("plain error should not be retryable: %v", err)
	}
	if !strings.HasPrefix(err.Error(), "metering/postgres: deduct quota:") {
		t.Errorf("err = %q", err)
	}
}
