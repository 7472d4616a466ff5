package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/querymesh/querymesh/internal/config"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), DBConfig{})
	if err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestDBConfigFromCatalogConfig(t *testing.T) {
	got := DBConfigFrom(config.CatalogConfig{
		DSN:             "postgres://x",
		MaxOpenConns:    7,
		MaxIdleConns:    3,
		ConnMaxIdleTime: time.Minute,
		ConnMaxLifetime: time.Hour,
	})
	if got.DSN != "postgres://x" || got.MaxOpenConns != 7 || got.MaxIdleConns != 3 {
		t.Fatalf("DBConfigFrom() = %+v", got)
	}
	if got.ConnMaxIdleTime != time.Minute || got.ConnMaxLifetime != time.Hour {
		t.Fatalf("DBConfigFrom() durations = %+v", got)
	}
}
