package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func setupControl(t *testing.T, transport *fakeTransport, auth StepUpAuthenticator) (*ControlServer, func()) {
	t.Helper()

	store, cleanup := setupStore(t)

	conns := NewConnectionStore(store, transport, nil)
	ledger := NewAuditLedger(store)
	caps := NewCapabilityManager(store, ledger, auth)
	resolver := NewDiscoveryResolver(transport, allFields{})
	negotiator := NewContractNegotiator()
	revoker := NewRevocationCoordinator(store, conns, caps, ledger, transport, auth)
	updates := NewContractUpdateManager("usr-1", store, conns, negotiator, caps, ledger, revoker, auth)
	signer := NewConnectionSigner("usr-1", resolver, negotiator, transport, auth, nil, store, conns, caps, ledger)

	return NewControlServer(nil, signer, conns, caps, ledger, updates, revoker), cleanup
}

func dispatchJSON(t *testing.T, s *ControlServer, op string, cmd interface{}) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("Failed to serialize %s command: %v", op, err)
	}
	result, err := s.dispatch(context.Background(), op, data)
	if err != nil {
		t.Fatalf("Dispatch %s failed: %v", op, err)
	}
	return result
}

func TestControl_ConnectionFlow(t *testing.T) {
	s, cleanup := setupControl(t, acceptingTransport(), &fakeAuth{outcome: AuthApproved})
	defer cleanup()

	result := dispatchJSON(t, s, "discover", discoverCommand{Code: "vettid://connect?service_id=svc-1"})
	var discovery ServiceDiscoveryResult
	if err := json.Unmarshal(result, &discovery); err != nil {
		t.Fatalf("Failed to decode discovery result: %v", err)
	}
	if discovery.Contract.Version != 1 {
		t.Fatalf("Expected contract version 1, got %d", discovery.Contract.Version)
	}

	dispatchJSON(t, s, "review.begin", struct{}{})
	dispatchJSON(t, s, "review.accept", acceptCommand{OptionalFields: []string{"address"}})

	result = dispatchJSON(t, s, "authorize", struct{}{})
	var record ServiceConnectionRecord
	if err := json.Unmarshal(result, &record); err != nil {
		t.Fatalf("Failed to decode connection record: %v", err)
	}
	if record.Status != StatusActive {
		t.Fatalf("Expected active connection, got %s", record.Status)
	}
	if len(record.SharedFields) != 2 {
		t.Fatalf("Expected 2 shared fields, got %d", len(record.SharedFields))
	}

	result = dispatchJSON(t, s, "connections.get", connectionCommand{ConnectionID: record.ConnectionID})
	var fetched ServiceConnectionRecord
	if err := json.Unmarshal(result, &fetched); err != nil {
		t.Fatalf("Failed to decode fetched record: %v", err)
	}
	if fetched.ConnectionID != record.ConnectionID {
		t.Fatalf("Fetched wrong record: %s", fetched.ConnectionID)
	}
}

func TestControl_StatusAndReset(t *testing.T) {
	s, cleanup := setupControl(t, acceptingTransport(), &fakeAuth{outcome: AuthApproved})
	defer cleanup()

	result := dispatchJSON(t, s, "status", struct{}{})
	var status signerStatus
	if err := json.Unmarshal(result, &status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.Phase != PhaseIdle {
		t.Fatalf("Expected idle, got %s", status.Phase)
	}

	dispatchJSON(t, s, "discover", discoverCommand{Code: "svc-token-12345"})
	dispatchJSON(t, s, "reset", struct{}{})

	result = dispatchJSON(t, s, "status", struct{}{})
	if err := json.Unmarshal(result, &status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.Phase != PhaseIdle {
		t.Fatalf("Expected idle after reset, got %s", status.Phase)
	}
}

func TestControl_SettingsAndAudit(t *testing.T) {
	s, cleanup := setupControl(t, acceptingTransport(), &fakeAuth{outcome: AuthApproved})
	defer cleanup()

	dispatchJSON(t, s, "discover", discoverCommand{Code: "vettid://connect?service_id=svc-1"})
	dispatchJSON(t, s, "review.begin", struct{}{})
	dispatchJSON(t, s, "review.accept", acceptCommand{})
	result := dispatchJSON(t, s, "authorize", struct{}{})
	var record ServiceConnectionRecord
	if err := json.Unmarshal(result, &record); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}

	favorite := true
	result = dispatchJSON(t, s, "connections.settings", settingsCommand{
		ConnectionID: record.ConnectionID,
		Favorite:     &favorite,
	})
	var updated ServiceConnectionRecord
	if err := json.Unmarshal(result, &updated); err != nil {
		t.Fatalf("Failed to decode updated record: %v", err)
	}
	if !updated.IsFavorite {
		t.Fatal("Expected favorite to be set")
	}

	result = dispatchJSON(t, s, "audit.verify", connectionCommand{ConnectionID: record.ConnectionID})
	var integrity IntegrityStatus
	if err := json.Unmarshal(result, &integrity); err != nil {
		t.Fatalf("Failed to decode integrity status: %v", err)
	}
	if !integrity.Valid || integrity.EntryCount != 1 {
		t.Fatalf("Expected valid chain with 1 entry, got valid=%v count=%d", integrity.Valid, integrity.EntryCount)
	}

	result = dispatchJSON(t, s, "audit.export", auditCommand{ConnectionID: record.ConnectionID, Format: "csv"})
	var export struct {
		Format string `json:"format"`
		Data   string `json:"data"`
	}
	if err := json.Unmarshal(result, &export); err != nil {
		t.Fatalf("Failed to decode export: %v", err)
	}
	if !strings.Contains(export.Data, AuditOpConnect) {
		t.Fatalf("Export missing connect entry: %s", export.Data)
	}
}

func TestControl_Revoke(t *testing.T) {
	s, cleanup := setupControl(t, acceptingTransport(), &fakeAuth{outcome: AuthApproved})
	defer cleanup()

	dispatchJSON(t, s, "discover", discoverCommand{Code: "vettid://connect?service_id=svc-1"})
	dispatchJSON(t, s, "review.begin", struct{}{})
	dispatchJSON(t, s, "review.accept", acceptCommand{})
	result := dispatchJSON(t, s, "authorize", struct{}{})
	var record ServiceConnectionRecord
	if err := json.Unmarshal(result, &record); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}

	result = dispatchJSON(t, s, "revoke", ContractCancellation{
		ConnectionID:     record.ConnectionID,
		Reason:           CancelReasonNoLongerUse,
		DeleteStoredData: true,
	})
	var revocation RevocationResult
	if err := json.Unmarshal(result, &revocation); err != nil {
		t.Fatalf("Failed to decode revocation result: %v", err)
	}
	if revocation.ConnectionID != record.ConnectionID {
		t.Fatalf("Revoked wrong connection: %s", revocation.ConnectionID)
	}

	result = dispatchJSON(t, s, "connections.get", connectionCommand{ConnectionID: record.ConnectionID})
	var revoked ServiceConnectionRecord
	if err := json.Unmarshal(result, &revoked); err != nil {
		t.Fatalf("Failed to decode revoked record: %v", err)
	}
	if revoked.Status != StatusRevoked {
		t.Fatalf("Expected revoked, got %s", revoked.Status)
	}
}

func TestControl_UnknownOperation(t *testing.T) {
	s, cleanup := setupControl(t, &fakeTransport{}, &fakeAuth{outcome: AuthApproved})
	defer cleanup()

	if _, err := s.dispatch(context.Background(), "selfdestruct", nil); err == nil {
		t.Fatal("Expected error for unknown operation")
	}
}

func TestControl_MissingConnectionID(t *testing.T) {
	s, cleanup := setupControl(t, &fakeTransport{}, &fakeAuth{outcome: AuthApproved})
	defer cleanup()

	if _, err := s.dispatch(context.Background(), "connections.get", []byte(`{}`)); err == nil {
		t.Fatal("Expected error for missing connection_id")
	}
}
