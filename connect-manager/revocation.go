package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/connect/connect-manager/storage"
)

// Cancellation reason codes
const (
	CancelReasonNoLongerUse  = "no_longer_use"
	CancelReasonPrivacy      = "privacy_concerns"
	CancelReasonTooManyPings = "too_many_requests"
	CancelReasonSwitched     = "switched_service"
	CancelReasonOther        = "other"
)

// RevocationResult is the durable outcome of a revocation, persisted
// keyed by the idempotency token so a retry returns the same result.
type RevocationResult struct {
	ConnectionID     string         `json:"connection_id"`
	IdempotencyToken string         `json:"idempotency_token"`
	Ack              *RevocationAck `json:"ack,omitempty"`
	AuditEntryID     string         `json:"audit_entry_id"`
	RevokedAt        time.Time      `json:"revoked_at"`
}

// RevocationCoordinator drives connection termination: step-up gate,
// remote acknowledgment, key destruction, capability shutdown, status
// transition, and the single audit entry. Revocation is terminal and
// idempotent on the token.
type RevocationCoordinator struct {
	store     *storage.Store
	conns     *ConnectionStore
	caps      *CapabilityManager
	ledger    *AuditLedger
	transport Transport
	auth      StepUpAuthenticator
	locks     *connectionLocks
}

// NewRevocationCoordinator creates a revocation coordinator
func NewRevocationCoordinator(store *storage.Store, conns *ConnectionStore, caps *CapabilityManager,
	ledger *AuditLedger, transport Transport, auth StepUpAuthenticator) *RevocationCoordinator {
	return &RevocationCoordinator{
		store:     store,
		conns:     conns,
		caps:      caps,
		ledger:    ledger,
		transport: transport,
		auth:      auth,
		locks:     newConnectionLocks(),
	}
}

// Revoke terminates a connection. The idempotency token is derived from
// the connection id: revocation happens at most once per connection, so
// any retry, including one after a partial failure, converges on the
// same token and returns the already-persisted result without a second
// transition or audit entry.
func (rc *RevocationCoordinator) Revoke(ctx context.Context, cancellation ContractCancellation) (*RevocationResult, error) {
	connectionID := cancellation.ConnectionID
	token := "rvk-" + connectionID

	if !rc.locks.TryLock(connectionID) {
		return nil, ErrBusy
	}
	defer rc.locks.Unlock(connectionID)

	// Completed revocation short-circuits before any side effect,
	// including the step-up prompt.
	if payload, found, err := rc.store.GetRevocation(token); err != nil {
		return nil, err
	} else if found {
		var result RevocationResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("failed to read revocation result: %w", err)
		}
		return &result, nil
	}

	record, err := rc.conns.Get(connectionID)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusRevoked {
		return nil, ErrConnectionRevoked
	}

	outcome, err := rc.auth.Authenticate(ctx, fmt.Sprintf("Disconnect from %s", record.ServiceProfile.ServiceName))
	if err != nil {
		return nil, err
	}
	if outcome != AuthApproved {
		return nil, &AuthError{Outcome: outcome}
	}

	now := time.Now().UTC()
	ack, err := rc.transport.RequestRevocation(ctx, &RevocationRequest{
		IdempotencyToken: token,
		ConnectionID:     connectionID,
		ServiceGUID:      record.ServiceGUID,
		DeleteStoredData: cancellation.DeleteStoredData,
		Reason:           cancellation.Reason,
		RequestedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: revocation request failed: %v", ErrServiceUnreachable, err)
	}

	// Local unit. Every step is idempotent, so a retry after a partial
	// failure re-runs the remaining steps against the same token.
	if err := rc.store.DestroySealedKeys(connectionID); err != nil {
		return nil, err
	}
	if err := rc.caps.RevokeAll(connectionID); err != nil {
		return nil, err
	}

	record.Status = StatusRevoked
	record.PendingContractVersion = nil
	if err := rc.conns.Put(record); err != nil {
		return nil, err
	}

	entryID, err := rc.appendRevokeEntry(connectionID, record.ServiceGUID, &cancellation, ack)
	if err != nil {
		return nil, err
	}

	result := &RevocationResult{
		ConnectionID:     connectionID,
		IdempotencyToken: token,
		Ack:              ack,
		AuditEntryID:     entryID,
		RevokedAt:        now,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize revocation result: %w", err)
	}
	if err := rc.store.PutRevocation(token, connectionID, payload); err != nil {
		return nil, err
	}

	log.Info().
		Str("connection_id", connectionID).
		Str("service_guid", record.ServiceGUID).
		Bool("data_deleted", ack.DataDeleted).
		Msg("Connection revoked")

	return result, nil
}

// appendRevokeEntry records the single revoke entry. A retry after the
// entry already landed reuses it instead of appending a second one.
func (rc *RevocationCoordinator) appendRevokeEntry(connectionID, serviceGUID string,
	cancellation *ContractCancellation, ack *RevocationAck) (string, error) {
	entries, err := rc.ledger.Entries(connectionID)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Operation == AuditOpRevoke {
			return e.EntryID, nil
		}
	}

	response := "connection terminated"
	if ack.DataDeleted {
		response = "connection terminated, stored data deleted"
	}

	entry, err := rc.ledger.Append(connectionID, AuditDraft{
		ServiceID:       serviceGUID,
		Operation:       AuditOpRevoke,
		RequestSummary:  "reason: " + cancellation.Reason,
		ResponseSummary: response,
		Status:          AuditStatusSuccess,
	})
	if err != nil {
		return "", err
	}
	return entry.EntryID, nil
}
