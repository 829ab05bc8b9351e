package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/connect/connect-manager/storage"
)

// Contract history status values
const (
	HistoryAccepted   = "accepted"
	HistoryPending    = "pending"
	HistoryRejected   = "rejected"
	HistorySuperseded = "superseded"
)

// ContractUpdateManager handles the lifecycle of published contract
// updates: intake, review, acceptance, and rejection. At most one update
// is pending per connection; a newer publication supersedes an older
// pending one, never queues behind it.
type ContractUpdateManager struct {
	userGUID   string
	store      *storage.Store
	conns      *ConnectionStore
	negotiator *ContractNegotiator
	caps       *CapabilityManager
	ledger     *AuditLedger
	revoker    *RevocationCoordinator
	auth       StepUpAuthenticator
	locks      *connectionLocks
}

// NewContractUpdateManager creates a contract update manager
func NewContractUpdateManager(userGUID string, store *storage.Store, conns *ConnectionStore, negotiator *ContractNegotiator,
	caps *CapabilityManager, ledger *AuditLedger, revoker *RevocationCoordinator, auth StepUpAuthenticator) *ContractUpdateManager {
	return &ContractUpdateManager{
		userGUID:   userGUID,
		store:      store,
		conns:      conns,
		negotiator: negotiator,
		caps:       caps,
		ledger:     ledger,
		revoker:    revoker,
		auth:       auth,
		locks:      newConnectionLocks(),
	}
}

// Intake records a contract update published by the service. The update
// becomes the connection's pending version; an older pending update is
// archived as superseded. Updates at or below the accepted version are
// stale and ignored.
func (m *ContractUpdateManager) Intake(ctx context.Context, connectionID string, newContract ServiceDataContract, reason string, requiredBy *time.Time) (*ContractUpdate, error) {
	if !m.locks.TryLock(connectionID) {
		return nil, ErrBusy
	}
	defer m.locks.Unlock(connectionID)

	if err := m.negotiator.ValidateContract(&newContract); err != nil {
		return nil, err
	}

	record, err := m.conns.Get(connectionID)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusRevoked {
		return nil, ErrConnectionRevoked
	}
	if newContract.Version <= record.ContractVersion {
		return nil, &ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("version %d is not newer than accepted version %d", newContract.Version, record.ContractVersion),
		}
	}

	if record.PendingContractVersion != nil {
		pendingVersion := *record.PendingContractVersion
		if newContract.Version <= pendingVersion {
			return nil, &ValidationError{
				Field:   "version",
				Message: fmt.Sprintf("version %d is not newer than pending version %d", newContract.Version, pendingVersion),
			}
		}
		if err := m.markHistory(connectionID, pendingVersion, HistorySuperseded); err != nil {
			return nil, err
		}
		log.Info().
			Str("connection_id", connectionID).
			Int("superseded_version", pendingVersion).
			Int("new_version", newContract.Version).
			Msg("Pending contract update superseded")
	}

	current := record.ServiceProfile.CurrentContract
	update := &ContractUpdate{
		PreviousVersion: record.ContractVersion,
		NewVersion:      newContract.Version,
		NewContract:     newContract,
		Changes:         m.negotiator.ComputeDiff(&current, &newContract),
		Reason:          reason,
		PublishedAt:     time.Now().UTC(),
		RequiredBy:      requiredBy,
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize contract update: %w", err)
	}
	if err := m.store.PutContractHistory(connectionID, newContract.Version, HistoryPending, payload); err != nil {
		return nil, err
	}

	version := newContract.Version
	record.PendingContractVersion = &version
	if err := m.conns.Put(record); err != nil {
		return nil, err
	}

	return update, nil
}

// Pending returns the connection's pending contract update, or
// ErrNoPendingUpdate when there is none.
func (m *ContractUpdateManager) Pending(connectionID string) (*ContractUpdate, error) {
	record, err := m.conns.Get(connectionID)
	if err != nil {
		return nil, err
	}
	if record.PendingContractVersion == nil {
		return nil, ErrNoPendingUpdate
	}
	return m.loadUpdate(connectionID, *record.PendingContractVersion)
}

// Accept applies the pending contract update after step-up
// authentication. The previously accepted version is archived, shared
// fields are rebuilt from the new contract plus the user's optional
// selections, and capabilities are re-granted from the new permission
// flags. This is the only path that can re-enable a revoked capability.
func (m *ContractUpdateManager) Accept(ctx context.Context, decision ContractUpdateDecision) (*ServiceConnectionRecord, error) {
	connectionID := decision.ConnectionID
	if !m.locks.TryLock(connectionID) {
		return nil, ErrBusy
	}
	defer m.locks.Unlock(connectionID)

	record, err := m.conns.Get(connectionID)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusRevoked {
		return nil, ErrConnectionRevoked
	}
	if record.PendingContractVersion == nil {
		return nil, ErrNoPendingUpdate
	}
	pendingVersion := *record.PendingContractVersion

	update, err := m.loadUpdate(connectionID, pendingVersion)
	if err != nil {
		return nil, err
	}

	outcome, err := m.auth.Authenticate(ctx, fmt.Sprintf("Accept updated terms from %s", record.ServiceProfile.ServiceName))
	if err != nil {
		return nil, err
	}
	if outcome != AuthApproved {
		return nil, &AuthError{Outcome: outcome}
	}

	if err := m.archiveAccepted(connectionID, record); err != nil {
		return nil, err
	}

	if err := m.resignContract(connectionID, &update.NewContract); err != nil {
		return nil, err
	}

	selected := make(map[string]bool, len(decision.AcceptedOptionalFields))
	for _, field := range decision.AcceptedOptionalFields {
		selected[field] = true
	}
	mappings := m.negotiator.SelectFieldMappings(&ServiceDiscoveryResult{Contract: update.NewContract}, selected)

	now := time.Now().UTC()
	record.ContractID = update.NewContract.ContractID
	record.ContractVersion = update.NewVersion
	record.ContractAcceptedAt = now
	record.PendingContractVersion = nil
	record.SharedFields = mappings
	record.ServiceProfile.CurrentContract = update.NewContract
	if err := m.conns.Put(record); err != nil {
		return nil, err
	}

	if err := m.markHistory(connectionID, update.NewVersion, HistoryAccepted); err != nil {
		return nil, err
	}

	if _, err := m.caps.GrantFromContract(connectionID, &update.NewContract); err != nil {
		return nil, err
	}

	if _, err := m.ledger.Append(connectionID, AuditDraft{
		ServiceID:       record.ServiceGUID,
		Operation:       AuditOpContractUpdate,
		RequestSummary:  fmt.Sprintf("update to v%d", update.NewVersion),
		ResponseSummary: "update accepted",
		Status:          AuditStatusSuccess,
	}); err != nil {
		return nil, err
	}

	log.Info().
		Str("connection_id", connectionID).
		Int("contract_version", update.NewVersion).
		Msg("Contract update accepted")

	return record, nil
}

// Reject declines the pending update and terminates the connection.
// There is no partial acceptance and no continuing under the old terms
// once the service has moved on; rejection is a clean break. The
// revocation runs first so its step-up gate protects every local write:
// a cancelled or failed authorization leaves the connection, the
// history, and the ledger untouched.
func (m *ContractUpdateManager) Reject(ctx context.Context, connectionID string, deleteStoredData bool) (*RevocationResult, error) {
	record, err := m.conns.Get(connectionID)
	if err != nil {
		return nil, err
	}
	if record.PendingContractVersion == nil {
		return nil, ErrNoPendingUpdate
	}
	pendingVersion := *record.PendingContractVersion

	result, err := m.revoker.Revoke(ctx, ContractCancellation{
		ConnectionID:     connectionID,
		Reason:           CancelReasonOther,
		CustomReason:     fmt.Sprintf("rejected contract update v%d", pendingVersion),
		DeleteStoredData: deleteStoredData,
		CancelledAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if err := m.markHistory(connectionID, pendingVersion, HistoryRejected); err != nil {
		return nil, err
	}

	if err := m.appendRejectEntry(connectionID, record.ServiceGUID, pendingVersion); err != nil {
		return nil, err
	}

	return result, nil
}

// appendRejectEntry records the rejected update in the ledger exactly
// once. A retry after a partial failure finds the existing entry
// instead of appending a duplicate.
func (m *ContractUpdateManager) appendRejectEntry(connectionID, serviceGUID string, version int) error {
	summary := fmt.Sprintf("update to v%d", version)

	entries, err := m.ledger.Entries(connectionID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Operation == AuditOpContractUpdate && entry.Status == AuditStatusDenied && entry.RequestSummary == summary {
			return nil
		}
	}

	_, err = m.ledger.Append(connectionID, AuditDraft{
		ServiceID:       serviceGUID,
		Operation:       AuditOpContractUpdate,
		RequestSummary:  summary,
		ResponseSummary: "update rejected",
		Status:          AuditStatusDenied,
	})
	return err
}

// History returns archived contract versions for a connection in
// version order.
func (m *ContractUpdateManager) History(connectionID string) ([]ContractHistoryEntry, error) {
	rows, err := m.store.ListContractHistory(connectionID)
	if err != nil {
		return nil, err
	}

	entries := make([]ContractHistoryEntry, 0, len(rows))
	for _, row := range rows {
		entry := ContractHistoryEntry{Version: row.Version, Status: row.Status}

		// History rows hold either a full update or a bare contract,
		// depending on how the version arrived.
		var update ContractUpdate
		if err := json.Unmarshal(row.Payload, &update); err == nil && update.NewContract.ContractID != "" {
			entry.Contract = update.NewContract
		} else {
			var contract ServiceDataContract
			if err := json.Unmarshal(row.Payload, &contract); err != nil {
				return nil, fmt.Errorf("failed to read contract history v%d: %w", row.Version, err)
			}
			entry.Contract = contract
		}
		entry.AcceptedAt = time.Unix(row.ArchivedAt, 0).UTC()
		entries = append(entries, entry)
	}
	return entries, nil
}

// archiveAccepted snapshots the currently accepted contract into history
// before the new version replaces it.
func (m *ContractUpdateManager) archiveAccepted(connectionID string, record *ServiceConnectionRecord) error {
	current := record.ServiceProfile.CurrentContract
	if current.ContractID == "" {
		return nil
	}
	payload, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to serialize archived contract: %w", err)
	}
	return m.store.PutContractHistory(connectionID, record.ContractVersion, HistorySuperseded, payload)
}

// resignContract signs the newly accepted contract version with the
// connection's existing signing key and refreshes the stored contract.
// The keypair survives contract updates; only revocation destroys it.
func (m *ContractUpdateManager) resignContract(connectionID string, contract *ServiceDataContract) error {
	row, err := m.store.GetStoredContract(connectionID)
	if err != nil {
		return fmt.Errorf("failed to load stored contract: %w", err)
	}
	if len(row.SealedKeys) == 0 {
		return fmt.Errorf("no key material for connection %s", connectionID)
	}

	material, err := m.store.Unseal(row.SealedKeys)
	if err != nil {
		return fmt.Errorf("failed to unseal key material: %w", err)
	}

	signature, err := SignContract(m.userGUID, "user", ed25519.PrivateKey(material.SigningKey), contract)
	if err != nil {
		return fmt.Errorf("failed to sign updated contract: %w", err)
	}

	var stored StoredContract
	if err := json.Unmarshal(row.Payload, &stored); err != nil {
		return fmt.Errorf("failed to read stored contract: %w", err)
	}
	stored.ContractID = contract.ContractID
	stored.UserSignature = signature
	stored.ServiceSignature = nil

	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to serialize stored contract: %w", err)
	}

	row.ContractID = contract.ContractID
	row.Payload = payload
	return m.store.PutStoredContract(*row)
}

// loadUpdate reads a stored pending update by version
func (m *ContractUpdateManager) loadUpdate(connectionID string, version int) (*ContractUpdate, error) {
	rows, err := m.store.ListContractHistory(connectionID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Version != version {
			continue
		}
		var update ContractUpdate
		if err := json.Unmarshal(row.Payload, &update); err != nil {
			return nil, fmt.Errorf("failed to read contract update v%d: %w", version, err)
		}
		return &update, nil
	}
	return nil, ErrNoPendingUpdate
}

// markHistory rewrites a history row's status keeping its payload
func (m *ContractUpdateManager) markHistory(connectionID string, version int, status string) error {
	rows, err := m.store.ListContractHistory(connectionID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Version == version {
			return m.store.PutContractHistory(connectionID, version, status, row.Payload)
		}
	}
	return nil
}
