package storage

import (
	"testing"
	"time"
)

func TestBuildExportPath(t *testing.T) {
	ts := time.Date(2026, time.February, 19, 23, 5, 0, 0, time.FixedZone("x", -5*3600))
	key, err := BuildExportPath("owner-1", "0a9b8c7d-6e5f-4a3b-9c2d-1e0f2a3b4c5d", ts)
	if err != nil {
		t.Fatalf("BuildExportPath() error = %v", err)
	}
	want := "exports/owner-1/date=2026-02-20/0a9b8c7d-6e5f-4a3b-9c2d-1e0f2a3b4c5d-1771560300.parquet"
	if key != want {
		t.Fatalf("BuildExportPath() = %q, want %q", key, want)
	}
}

func TestBuildExportPathSanitizesOwner(t *testing.T) {
	key, err := BuildExportPath("alice@example.com", "q1", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("BuildExportPath() error = %v", err)
	}
	want := "exports/alice_example.com/date=1970-01-01/q1-0.parquet"
	if key != want {
		t.Fatalf("BuildExportPath() = %q, want %q", key, want)
	}
}

func TestBuildExportPathRejectsInvalidComponent(t *testing.T) {
	if _, err := BuildExportPath("owner-1", "../oops", time.Now()); err == nil {
		t.Fatal("expected invalid query id error")
	}
	if _, err := BuildExportPath("///", "q1", time.Now()); err == nil {
		t.Fatal("expected invalid owner id error")
	}
}
