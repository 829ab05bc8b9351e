package main

import "time"

// Connection lifecycle status values. "revoked" is terminal: a revoked
// connection never transitions again and retains no signing capability.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRevoked   = "revoked"
	StatusExpired   = "expired"
)

// ServiceProfile represents a service's profile as published by its vault.
// A snapshot is cached on the connection record at connection time and
// refreshed during reconciliation.
type ServiceProfile struct {
	ServiceGUID        string              `json:"service_guid"`
	ServiceName        string              `json:"service_name"`
	ServiceDescription string              `json:"service_description,omitempty"`
	ServiceLogoURL     string              `json:"service_logo_url,omitempty"`
	ServiceCategory    string              `json:"service_category,omitempty"`
	Organization       OrganizationInfo    `json:"organization"`
	CurrentContract    ServiceDataContract `json:"current_contract"`
	ProfileVersion     int                 `json:"profile_version"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// OrganizationInfo contains verified organization details
type OrganizationInfo struct {
	Name             string `json:"name"`
	Verified         bool   `json:"verified"`
	VerificationType string `json:"verification_type,omitempty"` // "business", "nonprofit", "government"
	VerifiedAt       string `json:"verified_at,omitempty"`
	RegistrationID   string `json:"registration_id,omitempty"`
	Country          string `json:"country,omitempty"`
}

// ServiceDataContract defines what a service can access.
// Versions are monotonically increasing integers per service.
type ServiceDataContract struct {
	ContractID         string      `json:"contract_id"`
	ServiceGUID        string      `json:"service_guid"`
	Version            int         `json:"version"`
	Title              string      `json:"title"`
	Description        string      `json:"description,omitempty"`
	RequiredFields     []FieldSpec `json:"required_fields"`
	OptionalFields     []FieldSpec `json:"optional_fields"`
	OnDemandFields     []string    `json:"on_demand_fields,omitempty"`
	ConsentFields      []string    `json:"consent_fields,omitempty"`
	CanStoreData       bool        `json:"can_store_data"`
	StorageCategories  []string    `json:"storage_categories,omitempty"`
	CanSendMessages    bool        `json:"can_send_messages"`
	CanRequestAuth     bool        `json:"can_request_auth"`
	CanRequestPayment  bool        `json:"can_request_payment"`
	MaxRequestsPerHour int         `json:"max_requests_per_hour,omitempty"`
	MaxStorageMB       int         `json:"max_storage_mb,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	ExpiresAt          *time.Time  `json:"expires_at,omitempty"`
}

// FieldSpec describes a field the service wants to access.
// Identity is the Field id; Purpose and Retention are display terms.
type FieldSpec struct {
	Field     string `json:"field"`
	Purpose   string `json:"purpose"`
	Retention string `json:"retention"` // "session", "until_revoked", "30_days", etc.
}

// ContractChanges describes what changed between two contract versions.
// Always derived, never persisted.
type ContractChanges struct {
	AddedFields       []FieldSpec `json:"added_fields,omitempty"`
	RemovedFields     []string    `json:"removed_fields,omitempty"`
	ChangedFields     []FieldSpec `json:"changed_fields,omitempty"`
	PermissionChanges []string    `json:"permission_changes,omitempty"`
	RateLimitChanges  *string     `json:"rate_limit_changes,omitempty"`
}

// SharedFieldMapping binds a local profile field to a contract FieldSpec
type SharedFieldMapping struct {
	FieldSpec     FieldSpec  `json:"field_spec"`
	LocalFieldKey string     `json:"local_field_key"`
	SharedAt      time.Time  `json:"shared_at"`
	LastUpdatedAt *time.Time `json:"last_updated_at,omitempty"`
}

// ServiceConnectionRecord stores a service connection in the user's vault
type ServiceConnectionRecord struct {
	ConnectionID   string         `json:"connection_id"`
	ServiceGUID    string         `json:"service_guid"`
	ServiceProfile ServiceProfile `json:"service_profile"`
	Status         string         `json:"status"`

	// Contract tracking
	ContractID             string    `json:"contract_id"`
	ContractVersion        int       `json:"contract_version"`
	ContractAcceptedAt     time.Time `json:"contract_accepted_at"`
	PendingContractVersion *int      `json:"pending_contract_version,omitempty"`

	SharedFields []SharedFieldMapping `json:"shared_fields"`

	// Usability fields
	Tags       []string `json:"tags,omitempty"`
	IsFavorite bool     `json:"is_favorite"`
	IsArchived bool     `json:"is_archived"`
	IsMuted    bool     `json:"is_muted"`

	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	ActivityCount  int        `json:"activity_count"`
}

// ManagedCapability tracks a single permission grant within a connection.
// Capabilities are never deleted; revocation flips IsEnabled and stamps
// RevokedAt. Re-enabling requires a new negotiation cycle.
type ManagedCapability struct {
	CapabilityID string     `json:"capability_id"`
	ConnectionID string     `json:"connection_id"`
	Type         string     `json:"type"` // "messaging", "auth", "payment", "storage"
	IsEnabled    bool       `json:"is_enabled"`
	GrantedAt    time.Time  `json:"granted_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	UsageCount   int        `json:"usage_count"`
}

// Capability types a contract can grant
const (
	CapabilityMessaging = "messaging"
	CapabilityAuth      = "auth"
	CapabilityPayment   = "payment"
	CapabilityStorage   = "storage"
)

// StoredContract holds the cryptographic material for a signed connection.
// The private halves of the connection keypair live only in the sealed
// blob kept by the storage layer and are destroyed on revocation.
type StoredContract struct {
	ContractID           string             `json:"contract_id"`
	ConnectionID         string             `json:"connection_id"`
	UserSigningKey       string             `json:"user_signing_key"`       // Ed25519 public key (base64)
	UserConnectionKey    string             `json:"user_connection_key"`    // X25519 public key (base64)
	ServiceSigningKey    string             `json:"service_signing_key"`    // Ed25519 public key (base64)
	ServiceConnectionKey string             `json:"service_connection_key"` // X25519 public key (base64)
	UserSignature        *ContractSignature `json:"user_signature,omitempty"`
	ServiceSignature     *ContractSignature `json:"service_signature,omitempty"`
	Status               string             `json:"status"`
	ActivatedAt          time.Time          `json:"activated_at"`
	RevokedAt            *time.Time         `json:"revoked_at,omitempty"`
}

// ContractUpdate represents a pending contract update published by a service
type ContractUpdate struct {
	PreviousVersion int                 `json:"previous_version"`
	NewVersion      int                 `json:"new_version"`
	NewContract     ServiceDataContract `json:"new_contract"`
	Changes         ContractChanges     `json:"changes"`
	Reason          string              `json:"reason,omitempty"`
	PublishedAt     time.Time           `json:"published_at"`
	RequiredBy      *time.Time          `json:"required_by,omitempty"`
}

// ContractHistoryEntry represents an archived contract version
type ContractHistoryEntry struct {
	Version    int                 `json:"version"`
	Contract   ServiceDataContract `json:"contract"`
	AcceptedAt time.Time           `json:"accepted_at"`
	Status     string              `json:"status"` // "accepted", "rejected", "superseded"
}

// --- Decision payloads returned to collaborators ---

// DataRequestDecision is the user's answer to a service data request
type DataRequestDecision struct {
	RequestID    string    `json:"request_id"`
	Approved     bool      `json:"approved"`
	SharedFields []string  `json:"shared_fields,omitempty"`
	RespondedAt  time.Time `json:"responded_at"`
}

// PaymentDecision is the user's answer to a payment request
type PaymentDecision struct {
	RequestID       string    `json:"request_id"`
	Approved        bool      `json:"approved"`
	PaymentMethodID string    `json:"payment_method_id,omitempty"`
	DecidedAt       time.Time `json:"decided_at"`
}

// ContractUpdateDecision is the user's answer to a pending contract update
type ContractUpdateDecision struct {
	ConnectionID           string    `json:"connection_id"`
	Accepted               bool      `json:"accepted"`
	AcceptedOptionalFields []string  `json:"accepted_optional_fields,omitempty"`
	DecidedAt              time.Time `json:"decided_at"`
}

// ContractCancellation records the user's termination of a connection
type ContractCancellation struct {
	ConnectionID     string    `json:"connection_id"`
	Reason           string    `json:"reason"`
	CustomReason     string    `json:"custom_reason,omitempty"`
	DeleteStoredData bool      `json:"delete_stored_data"`
	CancelledAt      time.Time `json:"cancelled_at"`
}

// ConnectionHealth summarizes the operational state of a connection
type ConnectionHealth struct {
	ConnectionID     string     `json:"connection_id"`
	Status           string     `json:"status"` // "healthy", "warning", "critical"
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty"`
	ContractStatus   string     `json:"contract_status"` // "current", "update_available", "expired"
	DataStorageUsed  int64      `json:"data_storage_used"`
	DataStorageLimit int64      `json:"data_storage_limit"`
	Issues           []string   `json:"issues,omitempty"`
}
