package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/curve25519"

	"github.com/mesmerverse/vettid-dev/connect/connect-manager/storage"
)

// SignerPhase names the signer's current position in the connection flow
type SignerPhase string

const (
	PhaseIdle                  SignerPhase = "idle"
	PhaseDiscovering           SignerPhase = "discovering"
	PhaseDiscovered            SignerPhase = "discovered"
	PhaseReviewing             SignerPhase = "reviewing"
	PhaseAwaitingAuthorization SignerPhase = "awaitingAuthorization"
	PhaseConnecting            SignerPhase = "connecting"
	PhaseConnected             SignerPhase = "connected"
	PhaseError                 SignerPhase = "error"
)

// signerState is the signer's current phase plus the data that phase
// carries. Each phase holds exactly what its operations need, so an
// out-of-order call has nothing to act on.
type signerState interface {
	phase() SignerPhase
}

type stateIdle struct{}

type stateDiscovering struct {
	code string
}

type stateDiscovered struct {
	result *ServiceDiscoveryResult
}

type stateReviewing struct {
	result *ServiceDiscoveryResult
	// pending is non-nil when authorization was cancelled; re-accepting
	// is not required, the held request can be re-authorized.
	pending *pendingSignRequest
}

type stateAwaitingAuthorization struct {
	result  *ServiceDiscoveryResult
	pending *pendingSignRequest
}

type stateConnecting struct {
	pending *pendingSignRequest
}

type stateConnected struct {
	record *ServiceConnectionRecord
}

type stateError struct {
	err error
	// pending and signResult survive a persistence failure so the caller
	// can retry the local write without re-signing.
	pending    *pendingSignRequest
	signResult *SignResponse
}

func (stateIdle) phase() SignerPhase                  { return PhaseIdle }
func (stateDiscovering) phase() SignerPhase           { return PhaseDiscovering }
func (stateDiscovered) phase() SignerPhase            { return PhaseDiscovered }
func (stateReviewing) phase() SignerPhase             { return PhaseReviewing }
func (stateAwaitingAuthorization) phase() SignerPhase { return PhaseAwaitingAuthorization }
func (stateConnecting) phase() SignerPhase            { return PhaseConnecting }
func (stateConnected) phase() SignerPhase             { return PhaseConnected }
func (stateError) phase() SignerPhase                 { return PhaseError }

// pendingSignRequest is a built, user-signed sign request awaiting
// authorization and dispatch. The private keys live here in memory until
// the signed connection is persisted, then only in the sealed blob.
type pendingSignRequest struct {
	request       *SignRequest
	signingKey    ed25519.PrivateKey
	connectionKey []byte // X25519 private scalar
	sealed        []byte
	mappings      []SharedFieldMapping
	profile       ServiceProfile
}

// ConnectionSigner drives one connection establishment at a time through
// discovery, review, authorization, signing, and persistence. Each phase
// only accepts the operations defined for it; anything else returns
// ErrInvalidTransition.
type ConnectionSigner struct {
	mu    sync.Mutex
	state signerState

	userGUID   string
	resolver   *DiscoveryResolver
	negotiator *ContractNegotiator
	transport  Transport
	auth       StepUpAuthenticator
	fallback   StepUpAuthenticator
	store      *storage.Store
	conns      *ConnectionStore
	caps       *CapabilityManager
	ledger     *AuditLedger
	locks      *connectionLocks
}

// NewConnectionSigner creates a signer in the idle phase. fallback may be
// nil; then an AuthFallback outcome from the primary authenticator is
// treated as a failure.
func NewConnectionSigner(userGUID string, resolver *DiscoveryResolver, negotiator *ContractNegotiator,
	transport Transport, auth, fallback StepUpAuthenticator,
	store *storage.Store, conns *ConnectionStore, caps *CapabilityManager, ledger *AuditLedger) *ConnectionSigner {
	return &ConnectionSigner{
		state:      stateIdle{},
		userGUID:   userGUID,
		resolver:   resolver,
		negotiator: negotiator,
		transport:  transport,
		auth:       auth,
		fallback:   fallback,
		store:      store,
		conns:      conns,
		caps:       caps,
		ledger:     ledger,
		locks:      newConnectionLocks(),
	}
}

// Phase returns the signer's current phase
func (s *ConnectionSigner) Phase() SignerPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.phase()
}

// Err returns the held error when the signer is in the error phase
func (s *ConnectionSigner) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state.(stateError); ok {
		return st.err
	}
	return nil
}

// Result returns the discovery result when one is held
func (s *ConnectionSigner) Result() *ServiceDiscoveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st := s.state.(type) {
	case stateDiscovered:
		return st.result
	case stateReviewing:
		return st.result
	case stateAwaitingAuthorization:
		return st.result
	}
	return nil
}

// Discover parses a connection code and resolves the service. Valid only
// from idle; success lands in discovered, failure in error.
func (s *ConnectionSigner) Discover(ctx context.Context, code string) (*ServiceDiscoveryResult, error) {
	s.mu.Lock()
	if _, ok := s.state.(stateIdle); !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: discover from %s", ErrInvalidTransition, s.state.phase())
	}
	s.state = stateDiscovering{code: code}
	s.mu.Unlock()

	intent, err := ParseConnectionCode(code)
	if err != nil {
		s.fail(err, nil, nil)
		return nil, err
	}

	result, err := s.resolver.Resolve(ctx, intent)
	if err != nil {
		s.fail(err, nil, nil)
		return nil, err
	}

	s.mu.Lock()
	s.state = stateDiscovered{result: result}
	s.mu.Unlock()
	return result, nil
}

// BeginReview moves from discovered to reviewing. Review is where the
// user inspects the contract and picks optional fields; connecting
// directly from discovered is not possible.
func (s *ConnectionSigner) BeginReview() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state.(stateDiscovered)
	if !ok {
		return fmt.Errorf("%w: beginReview from %s", ErrInvalidTransition, s.state.phase())
	}
	s.state = stateReviewing{result: st.result}
	return nil
}

// AcceptContract builds the sign request for the reviewed contract:
// fresh Ed25519 and X25519 keypairs, sealed private material, field
// mappings for all required fields plus the user's optional selections,
// and the user's signature over the canonical contract. Lands in
// awaitingAuthorization; nothing has left the device yet.
func (s *ConnectionSigner) AcceptContract(selectedOptional map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state.(stateReviewing)
	if !ok {
		return fmt.Errorf("%w: acceptContract from %s", ErrInvalidTransition, s.state.phase())
	}
	if st.result.HasMissingRequiredFields() {
		return &ValidationError{
			Field:   "required_fields",
			Message: fmt.Sprintf("profile is missing required fields: %v", st.result.MissingRequiredFields),
		}
	}

	signingPub, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}

	connPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(connPriv); err != nil {
		return fmt.Errorf("failed to generate connection key: %w", err)
	}
	connPub, err := curve25519.X25519(connPriv, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("failed to derive connection public key: %w", err)
	}

	sealed, err := s.store.Seal(&storage.KeyMaterial{
		SigningKey:    signingPriv,
		ConnectionKey: connPriv,
		CreatedAt:     time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to seal key material: %w", err)
	}

	contract := st.result.Contract
	userSig, err := SignContract(s.userGUID, "user", signingPriv, &contract)
	if err != nil {
		return fmt.Errorf("failed to sign contract: %w", err)
	}

	mappings := s.negotiator.SelectFieldMappings(st.result, selectedOptional)

	pending := &pendingSignRequest{
		request: &SignRequest{
			RequestID:         "sgn-" + uuid.NewString(),
			ConnectionID:      "con-" + uuid.NewString(),
			ServiceGUID:       st.result.Intent.ServiceGUID,
			Contract:          contract,
			FieldMappings:     mappings,
			UserSigningKey:    base64.StdEncoding.EncodeToString(signingPub),
			UserConnectionKey: base64.StdEncoding.EncodeToString(connPub),
			UserSignature:     userSig,
			CreatedAt:         time.Now().UTC(),
		},
		signingKey:    signingPriv,
		connectionKey: connPriv,
		sealed:        sealed,
		mappings:      mappings,
		profile:       st.result.Profile,
	}

	s.state = stateAwaitingAuthorization{result: st.result, pending: pending}

	log.Info().
		Str("connection_id", pending.request.ConnectionID).
		Str("service_guid", pending.request.ServiceGUID).
		Int("field_mappings", len(mappings)).
		Msg("Contract accepted, awaiting authorization")

	return nil
}

// RequestAuthorization re-enters awaitingAuthorization after a cancelled
// authorization. The held sign request is reused; no new keys are
// generated and the contract is not re-signed.
func (s *ConnectionSigner) RequestAuthorization() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state.(stateReviewing)
	if !ok || st.pending == nil {
		return fmt.Errorf("%w: requestAuthorization from %s", ErrInvalidTransition, s.state.phase())
	}
	s.state = stateAwaitingAuthorization{result: st.result, pending: st.pending}
	return nil
}

// Authorize runs step-up authentication and, on approval, dispatches the
// pending sign request. Cancellation returns to reviewing with the
// pending request intact; a fallback outcome retries through the
// secondary authenticator; failure discards the request and lands in
// error.
func (s *ConnectionSigner) Authorize(ctx context.Context) (*ServiceConnectionRecord, error) {
	s.mu.Lock()
	st, ok := s.state.(stateAwaitingAuthorization)
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: authorize from %s", ErrInvalidTransition, s.state.phase())
	}
	s.mu.Unlock()

	reason := fmt.Sprintf("Connect to %s", st.result.Profile.ServiceName)
	outcome, err := s.auth.Authenticate(ctx, reason)
	if outcome == AuthFallback && s.fallback != nil {
		outcome, err = s.fallback.Authenticate(ctx, reason)
	}

	switch outcome {
	case AuthApproved:
		// fall through to dispatch

	case AuthCancelled:
		s.mu.Lock()
		s.state = stateReviewing{result: st.result, pending: st.pending}
		s.mu.Unlock()
		return nil, &AuthError{Outcome: AuthCancelled}

	default:
		authErr := err
		if authErr == nil {
			authErr = &AuthError{Outcome: outcome}
		}
		s.fail(authErr, nil, nil)
		return nil, authErr
	}

	s.mu.Lock()
	s.state = stateConnecting{pending: st.pending}
	s.mu.Unlock()

	return s.dispatch(ctx, st.pending)
}

// dispatch submits the sign request and handles the response. The remote
// side effect is irreversible once submitted.
func (s *ConnectionSigner) dispatch(ctx context.Context, pending *pendingSignRequest) (*ServiceConnectionRecord, error) {
	req := pending.request

	s.locks.Lock(req.ConnectionID)
	defer s.locks.Unlock(req.ConnectionID)

	resp, err := s.transport.SubmitSignRequest(ctx, req)
	if err != nil {
		sigErr := &SigningError{ServiceGUID: req.ServiceGUID, Reason: err.Error()}
		s.fail(sigErr, nil, nil)
		return nil, sigErr
	}
	if !resp.Accepted {
		sigErr := &SigningError{ServiceGUID: req.ServiceGUID, Reason: resp.Error}
		s.fail(sigErr, nil, nil)
		return nil, sigErr
	}

	if resp.ServiceSignature != nil {
		if err := VerifyContractSignature(&req.Contract, resp.ServiceSignature, resp.ServiceSigningKey); err != nil {
			sigErr := &SigningError{ServiceGUID: req.ServiceGUID, Reason: "service signature invalid: " + err.Error()}
			s.fail(sigErr, nil, nil)
			return nil, sigErr
		}
	}

	record, err := s.persistSigned(pending, resp)
	if err != nil {
		perr := &PersistenceError{SignResult: resp, Err: err}
		s.fail(perr, pending, resp)
		return nil, perr
	}

	s.mu.Lock()
	s.state = stateConnected{record: record}
	s.mu.Unlock()

	log.Info().
		Str("connection_id", record.ConnectionID).
		Str("service_guid", record.ServiceGUID).
		Msg("Connection established")

	return record, nil
}

// RetryPersist retries the local write after a persistence failure. The
// remote signing already succeeded; the preserved sign result is reused
// so no second sign request is ever sent.
func (s *ConnectionSigner) RetryPersist() (*ServiceConnectionRecord, error) {
	s.mu.Lock()
	st, ok := s.state.(stateError)
	if !ok || st.signResult == nil || st.pending == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: retryPersist from %s", ErrInvalidTransition, s.state.phase())
	}
	s.mu.Unlock()

	record, err := s.persistSigned(st.pending, st.signResult)
	if err != nil {
		perr := &PersistenceError{SignResult: st.signResult, Err: err}
		s.fail(perr, st.pending, st.signResult)
		return nil, perr
	}

	s.mu.Lock()
	s.state = stateConnected{record: record}
	s.mu.Unlock()
	return record, nil
}

// persistSigned writes the stored contract, the connection record, the
// capability grants, and the connect audit entry. Each write is an
// idempotent upsert keyed by stable ids, so a retry after partial
// failure completes the unit rather than duplicating it.
func (s *ConnectionSigner) persistSigned(pending *pendingSignRequest, resp *SignResponse) (*ServiceConnectionRecord, error) {
	req := pending.request
	now := time.Now().UTC()

	stored := StoredContract{
		ContractID:           req.Contract.ContractID,
		ConnectionID:         req.ConnectionID,
		UserSigningKey:       req.UserSigningKey,
		UserConnectionKey:    req.UserConnectionKey,
		ServiceSigningKey:    resp.ServiceSigningKey,
		ServiceConnectionKey: resp.ServiceConnectionKey,
		UserSignature:        req.UserSignature,
		ServiceSignature:     resp.ServiceSignature,
		Status:               StatusActive,
		ActivatedAt:          now,
	}
	storedPayload, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize stored contract: %w", err)
	}

	if err := s.store.PutStoredContract(storage.StoredContractRow{
		ContractID:   stored.ContractID,
		ConnectionID: stored.ConnectionID,
		Status:       stored.Status,
		Payload:      storedPayload,
		SealedKeys:   pending.sealed,
		ActivatedAt:  now.Unix(),
	}); err != nil {
		return nil, err
	}

	record := &ServiceConnectionRecord{
		ConnectionID:       req.ConnectionID,
		ServiceGUID:        req.ServiceGUID,
		ServiceProfile:     pending.profile,
		Status:             StatusActive,
		ContractID:         req.Contract.ContractID,
		ContractVersion:    req.Contract.Version,
		ContractAcceptedAt: now,
		SharedFields:       pending.mappings,
		CreatedAt:          now,
	}

	if err := s.conns.Put(record); err != nil {
		return nil, err
	}

	if _, err := s.caps.GrantFromContract(req.ConnectionID, &req.Contract); err != nil {
		return nil, err
	}

	if _, err := s.ledger.Append(req.ConnectionID, AuditDraft{
		ServiceID:       req.ServiceGUID,
		Operation:       AuditOpConnect,
		RequestSummary:  fmt.Sprintf("contract %s v%d", req.Contract.ContractID, req.Contract.Version),
		ResponseSummary: "connection established",
		Status:          AuditStatusSuccess,
	}); err != nil {
		return nil, err
	}

	return record, nil
}

// Reset returns the signer to idle. Declining during review or before
// authorization is always safe: nothing has been dispatched or
// persisted, so the pending request and its sealed keys are simply
// discarded. Resetting out of a retryable persistence error abandons
// the preserved sign result. Only in-flight phases (discovering,
// connecting) cannot be reset.
func (s *ConnectionSigner) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state.(type) {
	case stateConnected, stateError, stateIdle, stateDiscovered,
		stateReviewing, stateAwaitingAuthorization:
		s.state = stateIdle{}
		return nil
	}
	return fmt.Errorf("%w: reset from %s", ErrInvalidTransition, s.state.phase())
}

func (s *ConnectionSigner) fail(err error, pending *pendingSignRequest, resp *SignResponse) {
	s.mu.Lock()
	s.state = stateError{err: err, pending: pending, signResult: resp}
	s.mu.Unlock()

	log.Error().Err(err).Msg("Connection flow failed")
}
