package main

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/mesmerverse/vettid-dev/connect/connect-manager/storage"
)

// setupStore creates an in-memory encrypted store
func setupStore(t *testing.T) (*storage.Store, func()) {
	t.Helper()

	dek := make([]byte, 32)
	rand.Read(dek)

	store, err := storage.New("test-owner", ":memory:", dek, 16)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	return store, func() { store.Close() }
}

// fakeTransport implements Transport and SettingsSync with injectable
// behavior per call.
type fakeTransport struct {
	DiscoverFn       func(ctx context.Context, serviceGUID, inviteID string) (*ServiceProfile, error)
	SubmitFn         func(ctx context.Context, req *SignRequest) (*SignResponse, error)
	RevokeFn         func(ctx context.Context, req *RevocationRequest) (*RevocationAck, error)
	FetchFn          func(ctx context.Context) ([]ServiceConnectionRecord, error)
	CommitSettingsFn func(ctx context.Context, record *ServiceConnectionRecord) error

	revocationRequests []RevocationRequest
	signRequests       []SignRequest
}

func (f *fakeTransport) Discover(ctx context.Context, serviceGUID, inviteID string) (*ServiceProfile, error) {
	if f.DiscoverFn == nil {
		return nil, ErrServiceNotFound
	}
	return f.DiscoverFn(ctx, serviceGUID, inviteID)
}

func (f *fakeTransport) SubmitSignRequest(ctx context.Context, req *SignRequest) (*SignResponse, error) {
	f.signRequests = append(f.signRequests, *req)
	if f.SubmitFn == nil {
		return nil, ErrServiceUnreachable
	}
	return f.SubmitFn(ctx, req)
}

func (f *fakeTransport) RequestRevocation(ctx context.Context, req *RevocationRequest) (*RevocationAck, error) {
	f.revocationRequests = append(f.revocationRequests, *req)
	if f.RevokeFn == nil {
		return &RevocationAck{
			IdempotencyToken: req.IdempotencyToken,
			ConnectionID:     req.ConnectionID,
			DataDeleted:      req.DeleteStoredData,
			AcknowledgedAt:   time.Now().UTC(),
		}, nil
	}
	return f.RevokeFn(ctx, req)
}

func (f *fakeTransport) FetchConnections(ctx context.Context) ([]ServiceConnectionRecord, error) {
	if f.FetchFn == nil {
		return nil, nil
	}
	return f.FetchFn(ctx)
}

func (f *fakeTransport) CommitSettings(ctx context.Context, record *ServiceConnectionRecord) error {
	if f.CommitSettingsFn == nil {
		return nil
	}
	return f.CommitSettingsFn(ctx, record)
}

// fakeAuth returns a fixed outcome, counting attempts
type fakeAuth struct {
	outcome  AuthOutcome
	attempts int
}

func (f *fakeAuth) Authenticate(ctx context.Context, reason string) (AuthOutcome, error) {
	f.attempts++
	if f.outcome == AuthApproved {
		return AuthApproved, nil
	}
	return f.outcome, &AuthError{Outcome: f.outcome}
}

// allFields is a ProfileStore with every field present
type allFields struct{}

func (allFields) HasField(string) bool { return true }

// someFields is a ProfileStore holding only the listed fields
type someFields map[string]bool

func (s someFields) HasField(field string) bool { return s[field] }

// testContract builds a contract with an email required field and an
// address and username optional field.
func testContract(serviceGUID string, version int) ServiceDataContract {
	return ServiceDataContract{
		ContractID:  "ctr-" + serviceGUID,
		ServiceGUID: serviceGUID,
		Version:     version,
		Title:       "Standard Terms",
		RequiredFields: []FieldSpec{
			{Field: "email", Purpose: "account notices", Retention: "until_revoked"},
		},
		OptionalFields: []FieldSpec{
			{Field: "address", Purpose: "shipping", Retention: "until_revoked"},
			{Field: "username", Purpose: "display", Retention: "session"},
		},
		CanSendMessages:    true,
		CanRequestAuth:     true,
		MaxRequestsPerHour: 100,
		CreatedAt:          time.Now().UTC(),
	}
}

func testProfile(serviceGUID string, contractVersion int) *ServiceProfile {
	return &ServiceProfile{
		ServiceGUID: serviceGUID,
		ServiceName: "Acme Store",
		Organization: OrganizationInfo{
			Name:     "Acme Inc",
			Verified: true,
		},
		CurrentContract: testContract(serviceGUID, contractVersion),
		ProfileVersion:  1,
		UpdatedAt:       time.Now().UTC(),
	}
}

func testRecord(connectionID, serviceGUID string) *ServiceConnectionRecord {
	return &ServiceConnectionRecord{
		ConnectionID:       connectionID,
		ServiceGUID:        serviceGUID,
		ServiceProfile:     *testProfile(serviceGUID, 1),
		Status:             StatusActive,
		ContractID:         "ctr-" + serviceGUID,
		ContractVersion:    1,
		ContractAcceptedAt: time.Now().UTC(),
		CreatedAt:          time.Now().UTC(),
	}
}
