package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/connect/connect-manager/storage"
)

// CapabilityManager handles the grant/revoke lifecycle of per-connection
// capabilities. Grants only happen as part of contract acceptance;
// revocation is a one-way flip guarded by step-up authentication.
type CapabilityManager struct {
	store  *storage.Store
	ledger *AuditLedger
	auth   StepUpAuthenticator
}

// NewCapabilityManager creates a capability manager
func NewCapabilityManager(store *storage.Store, ledger *AuditLedger, auth StepUpAuthenticator) *CapabilityManager {
	return &CapabilityManager{store: store, ledger: ledger, auth: auth}
}

// GrantFromContract reconciles capability grants against an accepted
// contract's permission flags: missing flags are granted, and enabled
// grants whose flag the contract no longer carries are disabled (flip +
// stamp, the row survives). Called only from contract acceptance; there
// is no standalone grant operation.
func (cm *CapabilityManager) GrantFromContract(connectionID string, contract *ServiceDataContract) ([]ManagedCapability, error) {
	desired := map[string]bool{
		CapabilityMessaging: contract.CanSendMessages,
		CapabilityAuth:      contract.CanRequestAuth,
		CapabilityPayment:   contract.CanRequestPayment,
		CapabilityStorage:   contract.CanStoreData,
	}

	existing, err := cm.List(connectionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	active := make(map[string]bool)
	var dropped int
	for i := range existing {
		cap := &existing[i]
		if !cap.IsEnabled {
			continue
		}
		if !desired[cap.Type] {
			cap.IsEnabled = false
			cap.RevokedAt = &now
			if err := cm.persist(cap); err != nil {
				return nil, err
			}
			dropped++
			continue
		}
		active[cap.Type] = true
	}

	var granted []ManagedCapability
	for _, capType := range []string{CapabilityMessaging, CapabilityAuth, CapabilityPayment, CapabilityStorage} {
		if !desired[capType] || active[capType] {
			continue
		}
		cap := ManagedCapability{
			CapabilityID: "cap-" + uuid.NewString(),
			ConnectionID: connectionID,
			Type:         capType,
			IsEnabled:    true,
			GrantedAt:    now,
		}
		if err := cm.persist(&cap); err != nil {
			return granted, err
		}
		granted = append(granted, cap)
	}

	log.Info().
		Str("connection_id", connectionID).
		Int("granted", len(granted)).
		Int("dropped", dropped).
		Msg("Capabilities reconciled from contract")

	return granted, nil
}

// List returns all capabilities ever granted on a connection, including
// revoked ones. The record of a grant is never deleted.
func (cm *CapabilityManager) List(connectionID string) ([]ManagedCapability, error) {
	rows, err := cm.store.ListCapabilities(connectionID)
	if err != nil {
		return nil, err
	}

	caps := make([]ManagedCapability, 0, len(rows))
	for _, row := range rows {
		var cap ManagedCapability
		if err := json.Unmarshal(row.Payload, &cap); err != nil {
			return nil, fmt.Errorf("failed to read capability %s: %w", row.CapabilityID, err)
		}
		caps = append(caps, cap)
	}
	return caps, nil
}

// Get returns a single capability by id
func (cm *CapabilityManager) Get(connectionID, capabilityID string) (*ManagedCapability, error) {
	caps, err := cm.List(connectionID)
	if err != nil {
		return nil, err
	}
	for i := range caps {
		if caps[i].CapabilityID == capabilityID {
			return &caps[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

// Revoke disables a capability after step-up authentication. The grant
// row is kept with IsEnabled false and RevokedAt stamped; revoking an
// already-revoked capability is a no-op. Re-enabling requires a new
// contract negotiation, never a direct flip.
func (cm *CapabilityManager) Revoke(ctx context.Context, connectionID, capabilityID string) (*ManagedCapability, error) {
	cap, err := cm.Get(connectionID, capabilityID)
	if err != nil {
		return nil, err
	}
	if !cap.IsEnabled {
		return cap, nil
	}

	outcome, err := cm.auth.Authenticate(ctx, fmt.Sprintf("Revoke %s capability", cap.Type))
	if err != nil {
		return nil, err
	}
	if outcome != AuthApproved {
		return nil, &AuthError{Outcome: outcome}
	}

	now := time.Now().UTC()
	cap.IsEnabled = false
	cap.RevokedAt = &now
	if err := cm.persist(cap); err != nil {
		return nil, err
	}

	conn, err := cm.store.GetConnection(connectionID)
	serviceID := connectionID
	if err == nil {
		var record ServiceConnectionRecord
		if json.Unmarshal(conn, &record) == nil && record.ServiceGUID != "" {
			serviceID = record.ServiceGUID
		}
	}

	if _, err := cm.ledger.Append(connectionID, AuditDraft{
		ServiceID:       serviceID,
		Operation:       AuditOpCapabilityRevoke,
		RequestSummary:  fmt.Sprintf("revoke capability %s", cap.Type),
		ResponseSummary: "capability disabled",
		Capability:      cap.Type,
		Status:          AuditStatusSuccess,
	}); err != nil {
		log.Error().Err(err).
			Str("connection_id", connectionID).
			Str("capability_id", capabilityID).
			Msg("Failed to record capability revocation in ledger")
	}

	log.Info().
		Str("connection_id", connectionID).
		Str("capability_id", capabilityID).
		Str("type", cap.Type).
		Msg("Capability revoked")

	return cap, nil
}

// RecordUsage stamps LastUsedAt and bumps UsageCount for a capability.
// Usage of a disabled capability is rejected.
func (cm *CapabilityManager) RecordUsage(connectionID, capabilityID string) error {
	cap, err := cm.Get(connectionID, capabilityID)
	if err != nil {
		return err
	}
	if !cap.IsEnabled {
		return fmt.Errorf("capability %s is revoked", cap.Type)
	}

	now := time.Now().UTC()
	cap.LastUsedAt = &now
	cap.UsageCount++
	return cm.persist(cap)
}

// IsAllowed reports whether a connection currently holds an enabled
// capability of the given type.
func (cm *CapabilityManager) IsAllowed(connectionID, capType string) (bool, error) {
	caps, err := cm.List(connectionID)
	if err != nil {
		return false, err
	}
	for _, cap := range caps {
		if cap.Type == capType && cap.IsEnabled {
			return true, nil
		}
	}
	return false, nil
}

// RevokeAll disables every enabled capability on a connection. Used by
// connection revocation, which carries its own authorization, so no
// step-up prompt here.
func (cm *CapabilityManager) RevokeAll(connectionID string) error {
	caps, err := cm.List(connectionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range caps {
		if !caps[i].IsEnabled {
			continue
		}
		caps[i].IsEnabled = false
		caps[i].RevokedAt = &now
		if err := cm.persist(&caps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (cm *CapabilityManager) persist(cap *ManagedCapability) error {
	payload, err := json.Marshal(cap)
	if err != nil {
		return fmt.Errorf("failed to serialize capability: %w", err)
	}

	var revokedAt *int64
	if cap.RevokedAt != nil {
		ts := cap.RevokedAt.Unix()
		revokedAt = &ts
	}

	return cm.store.PutCapability(storage.CapabilityRow{
		CapabilityID: cap.CapabilityID,
		ConnectionID: cap.ConnectionID,
		Type:         cap.Type,
		Enabled:      cap.IsEnabled,
		Payload:      payload,
		GrantedAt:    cap.GrantedAt.Unix(),
		RevokedAt:    revokedAt,
	})
}
