package kv

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewSnapshotStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewSnapshotStore: %v", err)
	}

	if _, ok, err := s.Get(ctx, "vision-atlas"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "vision-atlas", "2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "vision-atlas", "3"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	v, ok, err := s.Get(ctx, "vision-atlas")
	if err != nil || !ok || v != "3" {
		t.Fatalf("Get = %q %v %v, want 3", v, ok, err)
	}

	all, err := s.All(ctx)
	if err != nil || len(all) != 1 || all["vision-atlas"] != "3" {
		t.Fatalf("All = %v %v", all, err)
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("redis down")
}
func (failingStore) Set(context.Context, string, string) error { return errors.New("redis down") }
func (failingStore) All(context.Context) (map[string]string, error) {
	return nil, errors.New("redis down")
}

func TestLayeredFallsBackToSnapshot(t *testing.T) {
	ctx := context.Background()
	snap := NewMemoryStore()
	l := NewLayered(failingStore{}, snap)

	if err := l.Set(ctx, "replicate", "4"); err != nil {
		t.Fatalf("Set should succeed through snapshot: %v", err)
	}
	v, ok, err := l.Get(ctx, "replicate")
	if err != nil || !ok || v != "4" {
		t.Fatalf("Get = %q %v %v", v, ok, err)
	}
	all, err := l.All(ctx)
	if err != nil || all["replicate"] != "4" {
		t.Fatalf("All = %v %v", all, err)
	}
}

func TestLayeredPrefersPrimary(t *testing.T) {
	ctx := context.Background()
	primary, snap := NewMemoryStore(), NewMemoryStore()
	_ = snap.Set(ctx, "replicate", "1")
	l := NewLayered(primary, snap)

	if err := l.Set(ctx, "replicate", "2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, _, _ := primary.Get(ctx, "replicate"); v != "2" {
		t.Fatalf("primary = %q", v)
	}
	if v, _, _ := snap.Get(ctx, "replicate"); v != "2" {
		t.Fatalf("snapshot = %q", v)
	}
}
