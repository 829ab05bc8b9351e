package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConnectionStore_PutGetList(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	cs := NewConnectionStore(store, &fakeTransport{}, nil)

	record := testRecord("con-1", "svc-1")
	record.Tags = []string{"shopping"}
	if err := cs.Put(record); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	got, err := cs.Get("con-1")
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if got.ServiceGUID != "svc-1" || got.ContractVersion != 1 {
		t.Errorf("Record round trip mismatch: %+v", got)
	}

	if _, err := cs.Get("con-missing"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("Expected ErrConnectionNotFound, got %v", err)
	}

	archived := testRecord("con-2", "svc-2")
	archived.IsArchived = true
	cs.Put(archived)

	revoked := testRecord("con-3", "svc-3")
	revoked.Status = StatusRevoked
	cs.Put(revoked)

	active, err := cs.List(ListOptions{})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(active) != 1 || active[0].ConnectionID != "con-1" {
		t.Errorf("Default listing must hide archived and revoked, got %v", active)
	}

	all, _ := cs.List(ListOptions{IncludeArchived: true, IncludeRevoked: true})
	if len(all) != 3 {
		t.Errorf("Expected 3 records with filters off, got %d", len(all))
	}

	tagged, _ := cs.List(ListOptions{Tags: []string{"shopping"}})
	if len(tagged) != 1 {
		t.Errorf("Expected 1 tagged record, got %d", len(tagged))
	}

	searched, _ := cs.List(ListOptions{Search: "acme"})
	if len(searched) != 1 {
		t.Errorf("Expected case-insensitive name search to match, got %d", len(searched))
	}
}

func TestReconcile_RemoteWins(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	remote := testRecord("con-1", "svc-1")
	remote.ContractVersion = 3
	transport := &fakeTransport{
		FetchFn: func(ctx context.Context) ([]ServiceConnectionRecord, error) {
			return []ServiceConnectionRecord{*remote}, nil
		},
	}
	cs := NewConnectionStore(store, transport, nil)

	// Local copy is behind the remote
	local := testRecord("con-1", "svc-1")
	local.ContractVersion = 1
	cs.Put(local)

	records, stale, err := cs.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if stale {
		t.Error("Expected fresh reconcile")
	}
	if len(records) != 1 || records[0].ContractVersion != 3 {
		t.Errorf("Expected remote version 3 to win, got %+v", records)
	}
}

func TestReconcile_FetchFailureServesCache(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	transport := &fakeTransport{
		FetchFn: func(ctx context.Context) ([]ServiceConnectionRecord, error) {
			return nil, ErrServiceUnreachable
		},
	}
	cs := NewConnectionStore(store, transport, nil)
	cs.Put(testRecord("con-1", "svc-1"))

	records, stale, err := cs.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Fetch failure must not be an error: %v", err)
	}
	if !stale {
		t.Error("Expected stale flag on fetch failure")
	}
	if len(records) != 1 {
		t.Errorf("Expected cached record to be served, got %d", len(records))
	}
}

func TestOptimisticMutation_RollbackOnCommitFailure(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	transport := &fakeTransport{
		CommitSettingsFn: func(ctx context.Context, record *ServiceConnectionRecord) error {
			return errors.New("cloud vault rejected settings")
		},
	}
	cs := NewConnectionStore(store, transport, transport)

	record := testRecord("con-1", "svc-1")
	record.Tags = []string{"original"}
	cs.Put(record)

	if err := cs.SetFavorite(context.Background(), "con-1", true); err == nil {
		t.Fatal("Expected commit failure to surface")
	}
	got, _ := cs.Get("con-1")
	if got.IsFavorite {
		t.Error("Expected favorite flag rolled back")
	}

	if err := cs.SetTags(context.Background(), "con-1", []string{"new"}); err == nil {
		t.Fatal("Expected commit failure to surface")
	}
	got, _ = cs.Get("con-1")
	if len(got.Tags) != 1 || got.Tags[0] != "original" {
		t.Errorf("Expected tags rolled back, got %v", got.Tags)
	}
}

func TestOptimisticMutation_CommitSuccess(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	transport := &fakeTransport{}
	cs := NewConnectionStore(store, transport, transport)
	cs.Put(testRecord("con-1", "svc-1"))

	if err := cs.SetMuted(context.Background(), "con-1", true); err != nil {
		t.Fatalf("Failed to set muted: %v", err)
	}
	got, _ := cs.Get("con-1")
	if !got.IsMuted {
		t.Error("Expected muted flag persisted")
	}
}

func TestTouchActivity(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	cs := NewConnectionStore(store, &fakeTransport{}, nil)
	cs.Put(testRecord("con-1", "svc-1"))

	if err := cs.TouchActivity("con-1"); err != nil {
		t.Fatalf("Failed to touch: %v", err)
	}
	got, _ := cs.Get("con-1")
	if got.ActivityCount != 1 || got.LastActivityAt == nil {
		t.Errorf("Expected activity stamped, got count=%d", got.ActivityCount)
	}
}

func TestHealth(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	cs := NewConnectionStore(store, &fakeTransport{}, nil)

	healthy := testRecord("con-1", "svc-1")
	cs.Put(healthy)

	h, err := cs.Health("con-1", 0)
	if err != nil {
		t.Fatalf("Failed to compute health: %v", err)
	}
	if h.Status != "healthy" || h.ContractStatus != "current" {
		t.Errorf("Expected healthy/current, got %s/%s", h.Status, h.ContractStatus)
	}

	pending := testRecord("con-2", "svc-2")
	v := 2
	pending.PendingContractVersion = &v
	cs.Put(pending)

	h, _ = cs.Health("con-2", 0)
	if h.Status != "warning" || h.ContractStatus != "update_available" {
		t.Errorf("Expected warning/update_available, got %s/%s", h.Status, h.ContractStatus)
	}

	expired := testRecord("con-3", "svc-3")
	past := time.Now().Add(-time.Hour)
	expired.ServiceProfile.CurrentContract.ExpiresAt = &past
	cs.Put(expired)

	h, _ = cs.Health("con-3", 0)
	if h.ContractStatus != "expired" {
		t.Errorf("Expected expired contract status, got %s", h.ContractStatus)
	}

	suspended := testRecord("con-4", "svc-4")
	suspended.Status = StatusSuspended
	cs.Put(suspended)

	h, _ = cs.Health("con-4", 0)
	if h.Status != "critical" {
		t.Errorf("Expected critical for suspended connection, got %s", h.Status)
	}
}
