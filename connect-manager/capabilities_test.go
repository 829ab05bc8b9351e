package main

import (
	"context"
	"errors"
	"testing"
)

func setupCapabilities(t *testing.T, auth *fakeAuth) (*CapabilityManager, func()) {
	t.Helper()
	store, cleanup := setupStore(t)
	ledger := NewAuditLedger(store)
	return NewCapabilityManager(store, ledger, auth), cleanup
}

func TestGrantFromContract(t *testing.T) {
	cm, cleanup := setupCapabilities(t, &fakeAuth{outcome: AuthApproved})
	defer cleanup()

	contract := testContract("svc-1", 1)
	contract.CanStoreData = true

	granted, err := cm.GrantFromContract("con-1", &contract)
	if err != nil {
		t.Fatalf("Failed to grant: %v", err)
	}
	if len(granted) != 3 {
		t.Fatalf("Expected messaging, auth, and storage grants, got %d", len(granted))
	}

	// Re-granting the same contract adds nothing
	again, err := cm.GrantFromContract("con-1", &contract)
	if err != nil {
		t.Fatalf("Failed to re-grant: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected no new grants, got %d", len(again))
	}
}

func TestRevokeCapability(t *testing.T) {
	auth := &fakeAuth{outcome: AuthApproved}
	cm, cleanup := setupCapabilities(t, auth)
	defer cleanup()

	contract := testContract("svc-1", 1)
	granted, err := cm.GrantFromContract("con-1", &contract)
	if err != nil {
		t.Fatalf("Failed to grant: %v", err)
	}

	target := granted[0]
	revoked, err := cm.Revoke(context.Background(), "con-1", target.CapabilityID)
	if err != nil {
		t.Fatalf("Failed to revoke: %v", err)
	}

	if revoked.IsEnabled {
		t.Error("Expected capability disabled")
	}
	if revoked.RevokedAt == nil {
		t.Error("Expected revoked_at stamp")
	}

	// The grant record survives
	all, err := cm.List("con-1")
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(all) != len(granted) {
		t.Errorf("Expected %d rows after revoke, got %d", len(granted), len(all))
	}

	// Revoking again is a no-op, not an error
	attempts := auth.attempts
	again, err := cm.Revoke(context.Background(), "con-1", target.CapabilityID)
	if err != nil {
		t.Fatalf("Second revoke failed: %v", err)
	}
	if again.IsEnabled {
		t.Error("Expected capability to stay disabled")
	}
	if auth.attempts != attempts {
		t.Error("Revoking an already-revoked capability must not prompt")
	}
}

func TestRevokeCapability_DeniedStepUp(t *testing.T) {
	cm, cleanup := setupCapabilities(t, &fakeAuth{outcome: AuthFailed})
	defer cleanup()

	contract := testContract("svc-1", 1)
	granted, _ := cm.GrantFromContract("con-1", &contract)

	_, err := cm.Revoke(context.Background(), "con-1", granted[0].CapabilityID)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthError, got %v", err)
	}

	cap, err := cm.Get("con-1", granted[0].CapabilityID)
	if err != nil {
		t.Fatalf("Failed to load capability: %v", err)
	}
	if !cap.IsEnabled {
		t.Error("Denied step-up must not disable the capability")
	}
}

func TestRecordUsage(t *testing.T) {
	cm, cleanup := setupCapabilities(t, &fakeAuth{outcome: AuthApproved})
	defer cleanup()

	contract := testContract("svc-1", 1)
	granted, _ := cm.GrantFromContract("con-1", &contract)
	id := granted[0].CapabilityID

	if err := cm.RecordUsage("con-1", id); err != nil {
		t.Fatalf("Failed to record usage: %v", err)
	}
	if err := cm.RecordUsage("con-1", id); err != nil {
		t.Fatalf("Failed to record usage: %v", err)
	}

	cap, _ := cm.Get("con-1", id)
	if cap.UsageCount != 2 {
		t.Errorf("Expected usage count 2, got %d", cap.UsageCount)
	}
	if cap.LastUsedAt == nil {
		t.Error("Expected last_used_at stamp")
	}

	// Usage of a revoked capability is rejected
	if _, err := cm.Revoke(context.Background(), "con-1", id); err != nil {
		t.Fatalf("Failed to revoke: %v", err)
	}
	if err := cm.RecordUsage("con-1", id); err == nil {
		t.Error("Expected error recording usage on revoked capability")
	}
}

func TestIsAllowed(t *testing.T) {
	cm, cleanup := setupCapabilities(t, &fakeAuth{outcome: AuthApproved})
	defer cleanup()

	contract := testContract("svc-1", 1)
	cm.GrantFromContract("con-1", &contract)

	if ok, _ := cm.IsAllowed("con-1", CapabilityMessaging); !ok {
		t.Error("Expected messaging allowed")
	}
	if ok, _ := cm.IsAllowed("con-1", CapabilityPayment); ok {
		t.Error("Expected payment not allowed: contract never granted it")
	}
}
