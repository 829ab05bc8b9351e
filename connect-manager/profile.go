package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// profileRefreshInterval bounds how stale the cached field set can be
const profileRefreshInterval = 5 * time.Minute

// ProfileFieldFetcher retrieves the field keys of the user's profile
// from its owner, the cloud vault's profile handler.
type ProfileFieldFetcher interface {
	FetchProfileFields(ctx context.Context) ([]string, error)
}

// RemoteProfile is a ProfileStore backed by the remote profile handler,
// with a refreshed local field set. A fetch failure keeps the last known
// set; an empty cache answers false for every field, which blocks
// contract acceptance rather than over-sharing.
type RemoteProfile struct {
	fetcher ProfileFieldFetcher

	mu        sync.RWMutex
	fields    map[string]bool
	fetchedAt time.Time
}

// NewRemoteProfile creates a remote profile store
func NewRemoteProfile(fetcher ProfileFieldFetcher) *RemoteProfile {
	return &RemoteProfile{fetcher: fetcher, fields: map[string]bool{}}
}

// Refresh fetches the current field set
func (p *RemoteProfile) Refresh(ctx context.Context) error {
	fields, err := p.fetcher.FetchProfileFields(ctx)
	if err != nil {
		return err
	}

	set := make(map[string]bool, len(fields))
	for _, field := range fields {
		set[field] = true
	}

	p.mu.Lock()
	p.fields = set
	p.fetchedAt = time.Now()
	p.mu.Unlock()

	log.Debug().Int("fields", len(fields)).Msg("Profile fields refreshed")
	return nil
}

// HasField reports whether the user's profile holds a field, refreshing
// the cached set when it has gone stale.
func (p *RemoteProfile) HasField(field string) bool {
	p.mu.RLock()
	stale := time.Since(p.fetchedAt) > profileRefreshInterval
	p.mu.RUnlock()

	if stale {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("Profile refresh failed, using cached fields")
		}
		cancel()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fields[field]
}
