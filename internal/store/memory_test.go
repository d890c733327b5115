package store_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spigell/applink/internal/signal"
	"github.com/spigell/applink/internal/store"
	"github.com/spigell/applink/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) storetest.Backend {
		return store.NewMemory()
	})
}

func TestLoadLabels(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	valid := filepath.Join(dir, "labels.yaml")
	content := `labels:
  - email_id: m1
    group: acme-data
  - email_id: m2
    group: acme-data
  - email_id: m3
    group: zoom-pm
`
	if err := os.WriteFile(valid, []byte(content), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	labels, err := store.LoadLabels(valid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(labels) != 3 || labels[2].Group != "zoom-pm" {
		t.Fatalf("unexpected labels: %+v", labels)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("labels:\n  - email_id: m1\n"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := store.LoadLabels(invalid); !errors.Is(err, store.ErrInvalidLabel) {
		t.Fatalf("expected ErrInvalidLabel, got %v", err)
	}

	if _, err := store.LoadLabels(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEntityRecentMembers(t *testing.T) {
	t.Parallel()

	e := store.Entity{}
	for i := 0; i < 7; i++ {
		e.Members = append(e.Members, store.Member{EmailID: string(rune('a' + i)), Seq: int64(i + 1)})
	}

	recent := e.RecentMembers(5)
	if len(recent) != 5 || recent[0].EmailID != "c" || recent[4].EmailID != "g" {
		t.Fatalf("unexpected recent members: %+v", recent)
	}
	if len(e.RecentMembers(0)) != 0 {
		t.Fatalf("expected no members for n=0")
	}
	if got := (&store.Entity{}).RecentMembers(3); got != nil {
		t.Fatalf("expected nil for empty entity, got %+v", got)
	}
}

func TestEntityRecomputeIgnoresUnknownStatus(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	e := store.Entity{Members: []store.Member{
		{EmailID: "a", Status: signal.StatusInterview, Timestamp: ts},
		{EmailID: "b", Status: signal.StatusUnknown, Timestamp: ts.Add(time.Hour)},
		{EmailID: "c", Status: "", Timestamp: ts.Add(2 * time.Hour)},
	}}
	e.Recompute()

	if e.Status != signal.StatusInterview {
		t.Fatalf("expected interview, got %s", e.Status)
	}
	if !e.LastEmailAt.Equal(ts.Add(2 * time.Hour)) {
		t.Fatalf("unexpected last email time %v", e.LastEmailAt)
	}
}
