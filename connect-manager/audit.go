package main

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/connect/connect-manager/storage"
)

// auditGenesisLabel roots every per-connection chain. The first entry's
// previous_hash is the SHA-256 of this label, so an empty chain has a
// fixed, recognizable anchor.
const auditGenesisLabel = "vettid-audit-genesis-v1"

// Audit operation values
const (
	AuditOpConnect          = "connect"
	AuditOpDataRequest      = "data_request"
	AuditOpAuthRequest      = "auth_request"
	AuditOpPaymentRequest   = "payment_request"
	AuditOpContractUpdate   = "contract_update"
	AuditOpCapabilityRevoke = "capability_revoke"
	AuditOpRevoke           = "revoke"
)

// Audit status values
const (
	AuditStatusSuccess = "success"
	AuditStatusDenied  = "denied"
	AuditStatusError   = "error"
)

// AuditEntry is one immutable, hash-linked record of an operation
// performed against a connection.
type AuditEntry struct {
	EntryID         string    `json:"entry_id"`
	ServiceID       string    `json:"service_id"`
	Operation       string    `json:"operation"`
	RequestSummary  string    `json:"request_summary,omitempty"`
	ResponseSummary string    `json:"response_summary,omitempty"`
	Capability      string    `json:"capability,omitempty"`
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	EntryHash       string    `json:"entry_hash"`
	PreviousHash    string    `json:"previous_hash"`
}

// AuditDraft is the caller-supplied content of an entry before it is
// chained. Ids, timestamps, and hashes are assigned on append.
type AuditDraft struct {
	ServiceID       string `json:"service_id"`
	Operation       string `json:"operation"`
	RequestSummary  string `json:"request_summary,omitempty"`
	ResponseSummary string `json:"response_summary,omitempty"`
	Capability      string `json:"capability,omitempty"`
	Status          string `json:"status"`
}

// IntegrityStatus is the result of replaying a chain from genesis
type IntegrityStatus struct {
	Valid           bool   `json:"valid"`
	EntryCount      int    `json:"entry_count"`
	DivergenceIndex *int   `json:"divergence_index,omitempty"`
	DivergentEntry  string `json:"divergent_entry,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// AuditQuery filters a read-side projection of the ledger
type AuditQuery struct {
	ServiceID string
	Operation string
	Status    string
	StartTime *time.Time
	EndTime   *time.Time
}

// AuditLedger is the append-only, hash-chained record of operations.
// Appends are serialized per connection: chain linkage is inherently
// sequential, so concurrent append calls for the same connection queue
// behind the connection's lock rather than running in parallel.
type AuditLedger struct {
	store *storage.Store
	locks *connectionLocks
}

// NewAuditLedger creates an audit ledger
func NewAuditLedger(store *storage.Store) *AuditLedger {
	return &AuditLedger{store: store, locks: newConnectionLocks()}
}

// genesisHash returns the fixed anchor for an empty chain
func genesisHash() string {
	sum := sha256.Sum256([]byte(auditGenesisLabel))
	return hex.EncodeToString(sum[:])
}

// Append chains a draft onto a connection's ledger. entry_hash is
// SHA-256(previous_hash || canonical(entry content)) where canonical
// orders fields ascending by name. Entries are immutable once appended.
func (l *AuditLedger) Append(connectionID string, draft AuditDraft) (*AuditEntry, error) {
	l.locks.Lock(connectionID)
	defer l.locks.Unlock(connectionID)

	previousHash := genesisHash()
	chain, err := l.store.GetChainState(connectionID)
	if err != nil {
		return nil, err
	}
	if chain != nil {
		previousHash = chain.LastHash
	}

	entry := AuditEntry{
		EntryID:         "aud-" + uuid.NewString(),
		ServiceID:       draft.ServiceID,
		Operation:       draft.Operation,
		RequestSummary:  draft.RequestSummary,
		ResponseSummary: draft.ResponseSummary,
		Capability:      draft.Capability,
		Status:          draft.Status,
		Timestamp:       time.Now().UTC(),
		PreviousHash:    previousHash,
	}

	hash, err := computeEntryHash(&entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize audit entry: %w", err)
	}

	if err := l.store.AppendAuditEntry(storage.AuditRow{
		EntryID:      entry.EntryID,
		ConnectionID: connectionID,
		Payload:      payload,
		EntryHash:    entry.EntryHash,
		PreviousHash: entry.PreviousHash,
	}, genesisHash()); err != nil {
		return nil, err
	}

	log.Debug().
		Str("entry_id", entry.EntryID).
		Str("connection_id", connectionID).
		Str("operation", entry.Operation).
		Str("status", entry.Status).
		Msg("Audit entry appended")

	return &entry, nil
}

// computeEntryHash hashes the canonical form of an entry's content
// fields, chained through previous_hash. entry_hash itself is excluded.
func computeEntryHash(entry *AuditEntry) (string, error) {
	content := struct {
		EntryID         string `json:"entry_id"`
		ServiceID       string `json:"service_id"`
		Operation       string `json:"operation"`
		RequestSummary  string `json:"request_summary,omitempty"`
		ResponseSummary string `json:"response_summary,omitempty"`
		Capability      string `json:"capability,omitempty"`
		Status          string `json:"status"`
		Timestamp       string `json:"timestamp"`
	}{
		EntryID:         entry.EntryID,
		ServiceID:       entry.ServiceID,
		Operation:       entry.Operation,
		RequestSummary:  entry.RequestSummary,
		ResponseSummary: entry.ResponseSummary,
		Capability:      entry.Capability,
		Status:          entry.Status,
		Timestamp:       entry.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	canonical, err := CanonicalJSON(content)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize audit entry: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(entry.PreviousHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Entries returns a connection's ledger in chain order
func (l *AuditLedger) Entries(connectionID string) ([]AuditEntry, error) {
	rows, err := l.store.ListAuditEntries(connectionID)
	if err != nil {
		return nil, err
	}

	entries := make([]AuditEntry, 0, len(rows))
	for _, row := range rows {
		var entry AuditEntry
		if err := json.Unmarshal(row.Payload, &entry); err != nil {
			return nil, fmt.Errorf("failed to read audit entry %s: %w", row.EntryID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Verify replays a connection's chain from genesis
func (l *AuditLedger) Verify(connectionID string) (*IntegrityStatus, error) {
	entries, err := l.Entries(connectionID)
	if err != nil {
		return nil, err
	}
	return VerifyIntegrity(entries), nil
}

// VerifyIntegrity replays a chain from genesis, recomputing every hash
// and checking linkage. The first divergence is reported with its index
// and reason; the chain is never repaired.
func VerifyIntegrity(entries []AuditEntry) *IntegrityStatus {
	status := &IntegrityStatus{Valid: true, EntryCount: len(entries)}
	previousHash := genesisHash()

	for i := range entries {
		entry := &entries[i]

		if entry.PreviousHash != previousHash {
			return divergence(status, i, entry.EntryID,
				fmt.Sprintf("previous_hash mismatch: expected %s, stored %s", previousHash, entry.PreviousHash))
		}

		expected, err := computeEntryHash(entry)
		if err != nil {
			return divergence(status, i, entry.EntryID, "entry not hashable: "+err.Error())
		}
		if entry.EntryHash != expected {
			return divergence(status, i, entry.EntryID,
				fmt.Sprintf("entry_hash mismatch: expected %s, stored %s", expected, entry.EntryHash))
		}

		previousHash = entry.EntryHash
	}

	return status
}

func divergence(status *IntegrityStatus, index int, entryID, reason string) *IntegrityStatus {
	status.Valid = false
	status.DivergenceIndex = &index
	status.DivergentEntry = entryID
	status.Reason = reason
	return status
}

// FilterEntries is a pure read-side projection; it never mutates stored
// entries or recomputes hashes.
func FilterEntries(entries []AuditEntry, query AuditQuery) []AuditEntry {
	var out []AuditEntry
	for _, entry := range entries {
		if query.ServiceID != "" && entry.ServiceID != query.ServiceID {
			continue
		}
		if query.Operation != "" && entry.Operation != query.Operation {
			continue
		}
		if query.Status != "" && entry.Status != query.Status {
			continue
		}
		if query.StartTime != nil && entry.Timestamp.Before(*query.StartTime) {
			continue
		}
		if query.EndTime != nil && entry.Timestamp.After(*query.EndTime) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// ExportEntries renders entries as "json" or "csv". Pure projection.
func ExportEntries(entries []AuditEntry, format string) (string, error) {
	switch format {
	case "", "json":
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to export entries: %w", err)
		}
		return string(data), nil

	case "csv":
		var buf strings.Builder
		w := csv.NewWriter(&buf)
		if err := w.Write([]string{"entry_id", "service_id", "operation", "capability", "status", "timestamp", "entry_hash", "previous_hash"}); err != nil {
			return "", fmt.Errorf("failed to export entries: %w", err)
		}
		for _, e := range entries {
			row := []string{
				e.EntryID, e.ServiceID, e.Operation, e.Capability, e.Status,
				e.Timestamp.Format(time.RFC3339), e.EntryHash, e.PreviousHash,
			}
			if err := w.Write(row); err != nil {
				return "", fmt.Errorf("failed to export entries: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return "", fmt.Errorf("failed to export entries: %w", err)
		}
		return buf.String(), nil

	default:
		return "", fmt.Errorf("unsupported export format: %s", format)
	}
}
