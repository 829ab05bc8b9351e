package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/connect/connect-manager/storage"
)

// SettingsSync pushes usability settings (tags, favorite, archive, mute)
// to the remote source of truth. Optional; a nil sync keeps mutations
// local-only.
type SettingsSync interface {
	CommitSettings(ctx context.Context, record *ServiceConnectionRecord) error
}

// ListOptions filters a connection listing
type ListOptions struct {
	IncludeArchived bool
	IncludeRevoked  bool
	Status          string
	Tags            []string
	FavoritesOnly   bool
	Search          string
}

// ConnectionStore is the durable cache of connection records, reconciled
// against the remote source of truth.
type ConnectionStore struct {
	store     *storage.Store
	transport Transport
	sync      SettingsSync
}

// NewConnectionStore creates a connection store
func NewConnectionStore(store *storage.Store, transport Transport, sync SettingsSync) *ConnectionStore {
	return &ConnectionStore{store: store, transport: transport, sync: sync}
}

// Put persists a connection record
func (cs *ConnectionStore) Put(record *ServiceConnectionRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize connection: %w", err)
	}
	return cs.store.PutConnection(storage.ConnectionRow{
		ConnectionID: record.ConnectionID,
		ServiceGUID:  record.ServiceGUID,
		Status:       record.Status,
		IsArchived:   record.IsArchived,
		Payload:      payload,
		CreatedAt:    record.CreatedAt.Unix(),
	})
}

// Get returns a connection record by id
func (cs *ConnectionStore) Get(connectionID string) (*ServiceConnectionRecord, error) {
	payload, err := cs.store.GetConnection(connectionID)
	if err == storage.ErrNotFound {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, err
	}

	var record ServiceConnectionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("failed to read connection: %w", err)
	}
	return &record, nil
}

// List returns connection records matching the options. Revoked records
// are excluded unless IncludeRevoked is set.
func (cs *ConnectionStore) List(opts ListOptions) ([]ServiceConnectionRecord, error) {
	rows, err := cs.store.ListConnections(opts.IncludeArchived, opts.IncludeRevoked)
	if err != nil {
		return nil, err
	}

	var out []ServiceConnectionRecord
	for _, row := range rows {
		var record ServiceConnectionRecord
		if err := json.Unmarshal(row.Payload, &record); err != nil {
			log.Warn().Err(err).Str("connection_id", row.ConnectionID).Msg("Skipping unreadable connection record")
			continue
		}

		if opts.Status != "" && record.Status != opts.Status {
			continue
		}
		if opts.FavoritesOnly && !record.IsFavorite {
			continue
		}
		if len(opts.Tags) > 0 && !hasAnyTag(record.Tags, opts.Tags) {
			continue
		}
		if opts.Search != "" {
			name := strings.ToLower(record.ServiceProfile.ServiceName)
			if !strings.Contains(name, strings.ToLower(opts.Search)) {
				continue
			}
		}

		out = append(out, record)
	}
	return out, nil
}

// Reconcile fetches the remote source of truth and overwrites matching
// local entries by id. A failed fetch is not an error: the cached set is
// served and stale=true signals the non-fatal warning to the caller.
func (cs *ConnectionStore) Reconcile(ctx context.Context) (records []ServiceConnectionRecord, stale bool, err error) {
	remote, fetchErr := cs.transport.FetchConnections(ctx)
	if fetchErr != nil {
		log.Warn().Err(fetchErr).Msg("Connection reconciliation fetch failed, serving cached set")
		cached, err := cs.List(ListOptions{IncludeArchived: true})
		if err != nil {
			return nil, true, err
		}
		return cached, true, nil
	}

	for i := range remote {
		if err := cs.Put(&remote[i]); err != nil {
			return nil, false, fmt.Errorf("failed to persist reconciled connection %s: %w", remote[i].ConnectionID, err)
		}
	}

	log.Info().Int("count", len(remote)).Msg("Connections reconciled against remote")

	cached, err := cs.List(ListOptions{IncludeArchived: true})
	if err != nil {
		return nil, false, err
	}
	return cached, false, nil
}

// TouchActivity stamps the last-activity time and bumps the counter
func (cs *ConnectionStore) TouchActivity(connectionID string) error {
	record, err := cs.Get(connectionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	record.LastActivityAt = &now
	record.ActivityCount++
	return cs.Put(record)
}

// applyOptimistic applies a local mutation, persists it, commits it
// remotely, and restores the prior record if the remote commit fails.
// This is the single rollback path for every usability toggle.
func (cs *ConnectionStore) applyOptimistic(ctx context.Context, connectionID string, mutate func(*ServiceConnectionRecord)) error {
	record, err := cs.Get(connectionID)
	if err != nil {
		return err
	}

	prior := *record
	prior.Tags = append([]string(nil), record.Tags...)

	mutate(record)
	if err := cs.Put(record); err != nil {
		return err
	}

	if cs.sync == nil {
		return nil
	}

	if err := cs.sync.CommitSettings(ctx, record); err != nil {
		if revertErr := cs.Put(&prior); revertErr != nil {
			log.Error().Err(revertErr).Str("connection_id", connectionID).Msg("Failed to roll back optimistic mutation")
		}
		return fmt.Errorf("remote settings commit failed, local change reverted: %w", err)
	}
	return nil
}

// SetFavorite toggles the favorite flag with rollback on remote failure
func (cs *ConnectionStore) SetFavorite(ctx context.Context, connectionID string, favorite bool) error {
	return cs.applyOptimistic(ctx, connectionID, func(r *ServiceConnectionRecord) { r.IsFavorite = favorite })
}

// SetMuted toggles the muted flag with rollback on remote failure
func (cs *ConnectionStore) SetMuted(ctx context.Context, connectionID string, muted bool) error {
	return cs.applyOptimistic(ctx, connectionID, func(r *ServiceConnectionRecord) { r.IsMuted = muted })
}

// SetArchived toggles the archived flag with rollback on remote failure
func (cs *ConnectionStore) SetArchived(ctx context.Context, connectionID string, archived bool) error {
	return cs.applyOptimistic(ctx, connectionID, func(r *ServiceConnectionRecord) { r.IsArchived = archived })
}

// SetTags replaces the tag set with rollback on remote failure
func (cs *ConnectionStore) SetTags(ctx context.Context, connectionID string, tags []string) error {
	return cs.applyOptimistic(ctx, connectionID, func(r *ServiceConnectionRecord) { r.Tags = tags })
}

// Health summarizes the operational state of a connection
func (cs *ConnectionStore) Health(connectionID string, storageUsed int64) (*ConnectionHealth, error) {
	record, err := cs.Get(connectionID)
	if err != nil {
		return nil, err
	}

	health := &ConnectionHealth{
		ConnectionID:   connectionID,
		Status:         "healthy",
		LastActivityAt: record.LastActivityAt,
		ContractStatus: "current",
	}

	if record.PendingContractVersion != nil {
		health.ContractStatus = "update_available"
		health.Issues = append(health.Issues, "Contract update pending")
		health.Status = "warning"
	}

	contract := record.ServiceProfile.CurrentContract
	if contract.ExpiresAt != nil && time.Now().After(*contract.ExpiresAt) {
		health.ContractStatus = "expired"
		health.Issues = append(health.Issues, "Contract expired")
		health.Status = "warning"
	}

	health.DataStorageUsed = storageUsed
	health.DataStorageLimit = int64(contract.MaxStorageMB) * 1024 * 1024
	if health.DataStorageLimit > 0 && storageUsed > health.DataStorageLimit*90/100 {
		health.Issues = append(health.Issues, "Storage usage above 90%")
		health.Status = "warning"
	}

	if record.Status == StatusSuspended {
		health.Status = "critical"
		health.Issues = append(health.Issues, "Connection suspended")
	}

	return health, nil
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
