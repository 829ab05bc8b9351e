package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// ConnectionIntent is the parsed form of a connection code
type ConnectionIntent struct {
	ServiceGUID  string `json:"service_id"`
	NATSEndpoint string `json:"nats,omitempty"`
	InviteID     string `json:"invite,omitempty"`
}

// ServiceDiscoveryResult is the outcome of resolving an intent: the
// service's profile and proposed contract, plus which of its required
// fields the user's local profile cannot satisfy yet.
type ServiceDiscoveryResult struct {
	Intent                ConnectionIntent    `json:"intent"`
	Profile               ServiceProfile      `json:"service_profile"`
	Contract              ServiceDataContract `json:"contract"`
	MissingRequiredFields []string            `json:"missing_required_fields,omitempty"`
}

// HasMissingRequiredFields reports whether the user must fill in profile
// fields before the contract can be accepted.
func (r *ServiceDiscoveryResult) HasMissingRequiredFields() bool {
	return len(r.MissingRequiredFields) > 0
}

// ProfileStore answers whether the user's local profile holds a field.
// The profile itself is owned by the profile handler, not this resolver.
type ProfileStore interface {
	HasField(field string) bool
}

// DiscoveryResolver parses connection codes and fetches service profiles
// through the transport collaborator. Single attempt, no retry; the
// caller owns retry policy.
type DiscoveryResolver struct {
	transport Transport
	profiles  ProfileStore
}

// NewDiscoveryResolver creates a discovery resolver
func NewDiscoveryResolver(transport Transport, profiles ProfileStore) *DiscoveryResolver {
	return &DiscoveryResolver{transport: transport, profiles: profiles}
}

// ParseConnectionCode parses a scanned or pasted connection code.
// Two forms are accepted:
//   - a URI with host "connect" carrying query parameters service_id
//     (required), nats (optional), invite (optional)
//   - a bare opaque token (length > 8, no whitespace) treated as a
//     literal service id
func ParseConnectionCode(code string) (*ConnectionIntent, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrInvalidCode)
	}

	if strings.Contains(code, "://") {
		u, err := url.Parse(code)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCode, err)
		}
		if u.Host != "connect" {
			return nil, fmt.Errorf("%w: unexpected host %q", ErrInvalidCode, u.Host)
		}

		q := u.Query()
		serviceID := q.Get("service_id")
		if serviceID == "" {
			return nil, fmt.Errorf("%w: service_id is required", ErrInvalidCode)
		}

		return &ConnectionIntent{
			ServiceGUID:  serviceID,
			NATSEndpoint: q.Get("nats"),
			InviteID:     q.Get("invite"),
		}, nil
	}

	// Bare token fallback
	if len(code) <= 8 {
		return nil, fmt.Errorf("%w: token too short", ErrInvalidCode)
	}
	if strings.ContainsAny(code, " \t\n\r") {
		return nil, fmt.Errorf("%w: token contains whitespace", ErrInvalidCode)
	}

	return &ConnectionIntent{ServiceGUID: code}, nil
}

// Resolve fetches the service profile and contract for a parsed intent
// and computes which required fields are missing from the local profile.
func (r *DiscoveryResolver) Resolve(ctx context.Context, intent *ConnectionIntent) (*ServiceDiscoveryResult, error) {
	profile, err := r.transport.Discover(ctx, intent.ServiceGUID, intent.InviteID)
	if err != nil {
		return nil, err
	}

	contract := profile.CurrentContract
	var missing []string
	for _, spec := range contract.RequiredFields {
		if r.profiles == nil || !r.profiles.HasField(spec.Field) {
			missing = append(missing, spec.Field)
		}
	}

	log.Info().
		Str("service_guid", intent.ServiceGUID).
		Int("contract_version", contract.Version).
		Int("missing_required", len(missing)).
		Msg("Service discovered")

	return &ServiceDiscoveryResult{
		Intent:                *intent,
		Profile:               *profile,
		Contract:              contract,
		MissingRequiredFields: missing,
	}, nil
}
