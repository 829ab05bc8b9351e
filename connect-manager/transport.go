package main

import (
	"context"
	"time"
)

// Transport is the collaborator that carries requests to service vaults.
// The core imposes no timeout or retry policy; callers own both via ctx.
type Transport interface {
	// Discover fetches a service's profile and current contract.
	Discover(ctx context.Context, serviceGUID, inviteID string) (*ServiceProfile, error)

	// SubmitSignRequest dispatches a sign request to the service's remote
	// signer. The remote side effect is irreversible once dispatched.
	SubmitSignRequest(ctx context.Context, req *SignRequest) (*SignResponse, error)

	// RequestRevocation asks the service to acknowledge termination and,
	// optionally, delete data it holds. Idempotent on the token.
	RequestRevocation(ctx context.Context, req *RevocationRequest) (*RevocationAck, error)

	// FetchConnections returns the remote source of truth for this
	// user's connection set, used during reconciliation.
	FetchConnections(ctx context.Context) ([]ServiceConnectionRecord, error)
}

// SignRequest is the unsigned sign request built when the user accepts a
// contract. It is held as the signer's pending request until authorized.
type SignRequest struct {
	RequestID         string               `json:"request_id"`
	ConnectionID      string               `json:"connection_id"`
	ServiceGUID       string               `json:"service_guid"`
	Contract          ServiceDataContract  `json:"contract"`
	FieldMappings     []SharedFieldMapping `json:"field_mappings"`
	UserSigningKey    string               `json:"user_signing_key"`    // Ed25519 public (base64)
	UserConnectionKey string               `json:"user_connection_key"` // X25519 public (base64)
	UserSignature     *ContractSignature   `json:"user_signature,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
}

// SignResponse is the remote signer's answer to a sign request
type SignResponse struct {
	RequestID            string             `json:"request_id"`
	ConnectionID         string             `json:"connection_id"`
	Accepted             bool               `json:"accepted"`
	ServiceSigningKey    string             `json:"service_signing_key"`
	ServiceConnectionKey string             `json:"service_connection_key"`
	ServiceSignature     *ContractSignature `json:"service_signature,omitempty"`
	Error                string             `json:"error,omitempty"`
	SignedAt             time.Time          `json:"signed_at"`
}

// RevocationRequest carries a client-generated idempotency token so a
// duplicate retry produces exactly one remote effect.
type RevocationRequest struct {
	IdempotencyToken string    `json:"idempotency_token"`
	ConnectionID     string    `json:"connection_id"`
	ServiceGUID      string    `json:"service_guid"`
	DeleteStoredData bool      `json:"delete_stored_data"`
	Reason           string    `json:"reason,omitempty"`
	RequestedAt      time.Time `json:"requested_at"`
}

// RevocationAck is the service's acknowledgment of a revocation
type RevocationAck struct {
	IdempotencyToken string    `json:"idempotency_token"`
	ConnectionID     string    `json:"connection_id"`
	DataDeleted      bool      `json:"data_deleted"`
	AcknowledgedAt   time.Time `json:"acknowledged_at"`
}
