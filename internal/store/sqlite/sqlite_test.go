package sqlite

import (
	"testing"

	"github.com/loykin/fleetd/internal/store"
	"github.com/loykin/fleetd/internal/store/storetest"
)

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		db, err := New(":memory:")
		if err != nil {
			t.Fatalf("sqlite open: %v", err)
		}
		return db
	})
}

func TestSQLiteEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
