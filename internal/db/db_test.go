package db

import (
	"context"
	"testing"
)

func TestInitPostgresWithoutDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	InitPostgres(context.Background())
	if Pool != nil {
		t.Fatal("expected no pool without DATABASE_URL")
	}
	Close()
}
