package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mesmerverse/vettid-dev/connect/connect-manager/storage"
)

func setupRevocation(t *testing.T, transport *fakeTransport, auth *fakeAuth) (*RevocationCoordinator, *ConnectionStore, *CapabilityManager, *AuditLedger, *storage.Store, func()) {
	t.Helper()

	store, cleanup := setupStore(t)
	conns := NewConnectionStore(store, transport, nil)
	ledger := NewAuditLedger(store)
	caps := NewCapabilityManager(store, ledger, auth)
	rc := NewRevocationCoordinator(store, conns, caps, ledger, transport, auth)
	return rc, conns, caps, ledger, store, cleanup
}

// seedConnection persists an active connection with sealed key material
// and capability grants.
func seedConnection(t *testing.T, store *storage.Store, conns *ConnectionStore, caps *CapabilityManager, connectionID string) {
	t.Helper()

	record := testRecord(connectionID, "svc-1")
	if err := conns.Put(record); err != nil {
		t.Fatalf("Failed to seed connection: %v", err)
	}

	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate signing key: %v", err)
	}

	sealed, err := store.Seal(&storage.KeyMaterial{
		SigningKey:    signingKey,
		ConnectionKey: make([]byte, 32),
		CreatedAt:     time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("Failed to seal key material: %v", err)
	}

	payload, _ := json.Marshal(StoredContract{ContractID: record.ContractID, ConnectionID: connectionID, Status: StatusActive})
	if err := store.PutStoredContract(storage.StoredContractRow{
		ContractID:   record.ContractID,
		ConnectionID: connectionID,
		Status:       StatusActive,
		Payload:      payload,
		SealedKeys:   sealed,
	}); err != nil {
		t.Fatalf("Failed to seed stored contract: %v", err)
	}

	contract := testContract("svc-1", 1)
	if _, err := caps.GrantFromContract(connectionID, &contract); err != nil {
		t.Fatalf("Failed to seed capabilities: %v", err)
	}
}

func TestRevoke_FullTermination(t *testing.T) {
	transport := &fakeTransport{}
	auth := &fakeAuth{outcome: AuthApproved}
	rc, conns, caps, ledger, store, cleanup := setupRevocation(t, transport, auth)
	defer cleanup()

	seedConnection(t, store, conns, caps, "con-1")

	result, err := rc.Revoke(context.Background(), ContractCancellation{
		ConnectionID:     "con-1",
		Reason:           CancelReasonPrivacy,
		DeleteStoredData: true,
		CancelledAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	// Terminal status
	record, err := conns.Get("con-1")
	if err != nil {
		t.Fatalf("Failed to load record: %v", err)
	}
	if record.Status != StatusRevoked {
		t.Errorf("Expected revoked status, got %s", record.Status)
	}

	// Sealed private key material destroyed
	row, err := store.GetStoredContract("con-1")
	if err != nil {
		t.Fatalf("Failed to load stored contract: %v", err)
	}
	if row.SealedKeys != nil {
		t.Error("Expected sealed keys to be destroyed")
	}

	// Capabilities disabled but never deleted
	grants, err := caps.List("con-1")
	if err != nil {
		t.Fatalf("Failed to list capabilities: %v", err)
	}
	if len(grants) == 0 {
		t.Fatal("Expected capability rows to survive revocation")
	}
	for _, g := range grants {
		if g.IsEnabled {
			t.Errorf("Expected %s capability disabled", g.Type)
		}
		if g.RevokedAt == nil {
			t.Errorf("Expected %s capability to carry revoked_at", g.Type)
		}
	}

	// Exactly one revoke audit entry
	entries, err := ledger.Entries("con-1")
	if err != nil {
		t.Fatalf("Failed to list audit entries: %v", err)
	}
	revokes := 0
	for _, e := range entries {
		if e.Operation == AuditOpRevoke {
			revokes++
		}
	}
	if revokes != 1 {
		t.Errorf("Expected exactly 1 revoke entry, got %d", revokes)
	}
	if result.AuditEntryID == "" {
		t.Error("Expected result to reference the audit entry")
	}
}

func TestRevoke_DoubleRevokeIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	auth := &fakeAuth{outcome: AuthApproved}
	rc, conns, caps, ledger, store, cleanup := setupRevocation(t, transport, auth)
	defer cleanup()

	seedConnection(t, store, conns, caps, "con-1")
	ctx := context.Background()
	cancellation := ContractCancellation{ConnectionID: "con-1", Reason: CancelReasonNoLongerUse, CancelledAt: time.Now().UTC()}

	first, err := rc.Revoke(ctx, cancellation)
	if err != nil {
		t.Fatalf("First revoke failed: %v", err)
	}
	second, err := rc.Revoke(ctx, cancellation)
	if err != nil {
		t.Fatalf("Second revoke failed: %v", err)
	}

	if first.IdempotencyToken != second.IdempotencyToken {
		t.Error("Expected both calls to share an idempotency token")
	}
	if first.AuditEntryID != second.AuditEntryID {
		t.Error("Expected second call to return the first call's result")
	}

	// One remote request, one step-up prompt, one audit entry
	if len(transport.revocationRequests) != 1 {
		t.Errorf("Expected 1 remote revocation request, got %d", len(transport.revocationRequests))
	}
	if auth.attempts != 1 {
		t.Errorf("Expected 1 step-up prompt, got %d", auth.attempts)
	}

	entries, _ := ledger.Entries("con-1")
	revokes := 0
	for _, e := range entries {
		if e.Operation == AuditOpRevoke {
			revokes++
		}
	}
	if revokes != 1 {
		t.Errorf("Expected exactly 1 revoke entry after double revoke, got %d", revokes)
	}
}

func TestRevoke_DeniedStepUp(t *testing.T) {
	transport := &fakeTransport{}
	auth := &fakeAuth{outcome: AuthCancelled}
	rc, conns, caps, _, store, cleanup := setupRevocation(t, transport, auth)
	defer cleanup()

	seedConnection(t, store, conns, caps, "con-1")

	_, err := rc.Revoke(context.Background(), ContractCancellation{ConnectionID: "con-1", Reason: CancelReasonOther})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthError, got %v", err)
	}

	// Nothing changed
	record, _ := conns.Get("con-1")
	if record.Status != StatusActive {
		t.Errorf("Expected connection still active, got %s", record.Status)
	}
	if len(transport.revocationRequests) != 0 {
		t.Error("Denied step-up must not reach the service")
	}
}

func TestRevoke_ServiceUnreachable(t *testing.T) {
	transport := &fakeTransport{
		RevokeFn: func(ctx context.Context, req *RevocationRequest) (*RevocationAck, error) {
			return nil, errors.New("no responders")
		},
	}
	auth := &fakeAuth{outcome: AuthApproved}
	rc, conns, caps, _, store, cleanup := setupRevocation(t, transport, auth)
	defer cleanup()

	seedConnection(t, store, conns, caps, "con-1")

	_, err := rc.Revoke(context.Background(), ContractCancellation{ConnectionID: "con-1", Reason: CancelReasonOther})
	if !errors.Is(err, ErrServiceUnreachable) {
		t.Fatalf("Expected ErrServiceUnreachable, got %v", err)
	}

	// Local state untouched; a later retry can complete the unit
	record, _ := conns.Get("con-1")
	if record.Status != StatusActive {
		t.Errorf("Expected connection still active, got %s", record.Status)
	}
	row, _ := store.GetStoredContract("con-1")
	if row.SealedKeys == nil {
		t.Error("Key material must survive a failed remote request")
	}
}

func TestRevoke_UnknownConnection(t *testing.T) {
	transport := &fakeTransport{}
	auth := &fakeAuth{outcome: AuthApproved}
	rc, _, _, _, _, cleanup := setupRevocation(t, transport, auth)
	defer cleanup()

	_, err := rc.Revoke(context.Background(), ContractCancellation{ConnectionID: "con-missing", Reason: CancelReasonOther})
	if !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("Expected ErrConnectionNotFound, got %v", err)
	}
}
