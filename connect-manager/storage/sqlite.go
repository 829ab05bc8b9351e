package storage

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("storage: not found")

// ErrChainConflict is returned when an audit append's previous_hash does
// not match the persisted chain tip. The ledger serializes appends per
// connection, so hitting this means a writer bypassed the ledger.
var ErrChainConflict = errors.New("storage: audit chain tip mismatch")

// Store provides encrypted SQLite storage for connection data.
// Record payloads are encrypted at rest with the DEK (Data Encryption
// Key) derived from the user's vault credentials; the columns needed for
// querying (ids, status, hashes) stay plaintext, mirroring the events
// table in the vault manager.
type Store struct {
	db         *sql.DB
	dek        []byte // 32-byte Data Encryption Key
	ownerSpace string
	cache      *LRUCache

	// Incremented on each write. Prevents replay where an attacker
	// restores an old snapshot of the database.
	rollbackCounter int64

	mu sync.RWMutex
}

// New creates an encrypted store. Pass ":memory:" as path for tests.
func New(ownerSpace, path string, dek []byte, cacheSize int) (*Store, error) {
	if len(dek) != 32 {
		return nil, fmt.Errorf("DEK must be 32 bytes")
	}
	if cacheSize <= 0 {
		cacheSize = 100
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:         db,
		dek:        dek,
		ownerSpace: ownerSpace,
		cache:      NewLRUCache(cacheSize),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	-- Service connection records. Payload is the encrypted JSON record;
	-- id/status/archived stay plaintext for list queries.
	CREATE TABLE IF NOT EXISTS connections (
		connection_id TEXT PRIMARY KEY,
		service_guid TEXT NOT NULL,
		status TEXT NOT NULL,
		is_archived INTEGER NOT NULL DEFAULT 0,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_connections_status ON connections(status);
	CREATE INDEX IF NOT EXISTS idx_connections_service ON connections(service_guid);

	-- Signed contract material. sealed_keys holds the CBOR+AEAD sealed
	-- private key material and is nulled on revocation.
	CREATE TABLE IF NOT EXISTS stored_contracts (
		contract_id TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payload BLOB NOT NULL,
		sealed_keys BLOB,
		activated_at INTEGER NOT NULL,
		revoked_at INTEGER,
		PRIMARY KEY (connection_id, contract_id)
	);

	-- Capability grants. Rows are never deleted; revocation flips
	-- enabled and stamps revoked_at.
	CREATE TABLE IF NOT EXISTS capabilities (
		capability_id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		cap_type TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		payload BLOB NOT NULL,
		granted_at INTEGER NOT NULL,
		revoked_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_capabilities_connection ON capabilities(connection_id);

	-- Hash-chained audit log. seq is the position in the per-connection
	-- chain; the UNIQUE constraint makes concurrent appends that slipped
	-- past the ledger's serialization fail loudly instead of forking.
	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		payload BLOB NOT NULL,
		entry_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (connection_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_audit_connection ON audit_entries(connection_id, seq);

	-- Chain tip per connection
	CREATE TABLE IF NOT EXISTS audit_chain (
		connection_id TEXT PRIMARY KEY,
		last_entry_id TEXT NOT NULL,
		last_hash TEXT NOT NULL,
		entry_count INTEGER NOT NULL
	);

	-- Completed revocations keyed by idempotency token
	CREATE TABLE IF NOT EXISTS revocations (
		idempotency_token TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		completed_at INTEGER NOT NULL
	);

	-- Archived contract versions (superseded/rejected)
	CREATE TABLE IF NOT EXISTS contract_history (
		connection_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		payload BLOB NOT NULL,
		archived_at INTEGER NOT NULL,
		PRIMARY KEY (connection_id, version)
	);

	-- Metadata for rollback protection
	CREATE TABLE IF NOT EXISTS _metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO _metadata (key, value, updated_at)
		VALUES ('rollback_counter', '0', ?)
	`, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to initialize metadata: %w", err)
	}

	var counterStr string
	err = s.db.QueryRow(`SELECT value FROM _metadata WHERE key = 'rollback_counter'`).Scan(&counterStr)
	if err != nil {
		return fmt.Errorf("failed to load rollback counter: %w", err)
	}
	fmt.Sscanf(counterStr, "%d", &s.rollbackCounter)

	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// ===============================
// Connection Operations
// ===============================

// ConnectionRow is a stored connection record with its query columns
type ConnectionRow struct {
	ConnectionID string
	ServiceGUID  string
	Status       string
	IsArchived   bool
	Payload      []byte
	CreatedAt    int64
	UpdatedAt    int64
}

// PutConnection inserts or replaces a connection record
func (s *Store) PutConnection(row ConnectionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := s.encrypt(row.Payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt connection payload: %w", err)
	}

	now := time.Now().Unix()
	createdAt := row.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}

	_, err = s.db.Exec(`
		INSERT INTO connections (connection_id, service_guid, status, is_archived, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			service_guid = excluded.service_guid,
			status = excluded.status,
			is_archived = excluded.is_archived,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, row.ConnectionID, row.ServiceGUID, row.Status, boolToInt(row.IsArchived), enc, createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to store connection: %w", err)
	}

	s.cache.Put("conn/"+row.ConnectionID, row.Payload)
	s.incrementRollbackCounter()
	return nil
}

// GetConnection returns the decrypted payload for a connection id
func (s *Store) GetConnection(connectionID string) ([]byte, error) {
	if cached, ok := s.cache.Get("conn/" + connectionID); ok {
		return cached, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var enc []byte
	err := s.db.QueryRow(`SELECT payload FROM connections WHERE connection_id = ?`, connectionID).Scan(&enc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	payload, err := s.decrypt(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt connection: %w", err)
	}

	s.cache.Put("conn/"+connectionID, payload)
	return payload, nil
}

// ListConnections returns all connection rows, optionally filtered by
// status and archive flags at the SQL level.
func (s *Store) ListConnections(includeArchived, includeRevoked bool) ([]ConnectionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT connection_id, service_guid, status, is_archived, payload, created_at, updated_at FROM connections WHERE 1=1`
	var args []interface{}
	if !includeArchived {
		query += ` AND is_archived = 0`
	}
	if !includeRevoked {
		query += ` AND status != ?`
		args = append(args, "revoked")
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []ConnectionRow
	for rows.Next() {
		var row ConnectionRow
		var archived int
		var enc []byte
		if err := rows.Scan(&row.ConnectionID, &row.ServiceGUID, &row.Status, &archived, &enc, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		row.IsArchived = archived == 1
		row.Payload, err = s.decrypt(enc)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt connection %s: %w", row.ConnectionID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ===============================
// Stored Contract Operations
// ===============================

// StoredContractRow is a stored contract with its sealed key material
type StoredContractRow struct {
	ContractID   string
	ConnectionID string
	Status       string
	Payload      []byte
	SealedKeys   []byte
	ActivatedAt  int64
	RevokedAt    *int64
}

// PutStoredContract inserts or replaces a signed contract record
func (s *Store) PutStoredContract(row StoredContractRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := s.encrypt(row.Payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt contract payload: %w", err)
	}

	activatedAt := row.ActivatedAt
	if activatedAt == 0 {
		activatedAt = time.Now().Unix()
	}

	_, err = s.db.Exec(`
		INSERT INTO stored_contracts (contract_id, connection_id, status, payload, sealed_keys, activated_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, contract_id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			sealed_keys = excluded.sealed_keys,
			revoked_at = excluded.revoked_at
	`, row.ContractID, row.ConnectionID, row.Status, enc, row.SealedKeys, activatedAt, row.RevokedAt)
	if err != nil {
		return fmt.Errorf("failed to store contract: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// GetStoredContract returns the newest stored contract for a connection
func (s *Store) GetStoredContract(connectionID string) (*StoredContractRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row StoredContractRow
	var enc []byte
	err := s.db.QueryRow(`
		SELECT contract_id, connection_id, status, payload, sealed_keys, activated_at, revoked_at
		FROM stored_contracts WHERE connection_id = ?
		ORDER BY activated_at DESC LIMIT 1
	`, connectionID).Scan(&row.ContractID, &row.ConnectionID, &row.Status, &enc, &row.SealedKeys, &row.ActivatedAt, &row.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stored contract: %w", err)
	}

	row.Payload, err = s.decrypt(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt stored contract: %w", err)
	}
	return &row, nil
}

// DestroySealedKeys nulls the sealed private key material for every
// contract of a connection and marks the rows revoked. Irreversible.
func (s *Store) DestroySealedKeys(connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE stored_contracts
		SET sealed_keys = NULL, status = 'revoked', revoked_at = ?
		WHERE connection_id = ?
	`, time.Now().Unix(), connectionID)
	if err != nil {
		return fmt.Errorf("failed to destroy sealed keys: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// ===============================
// Capability Operations
// ===============================

// CapabilityRow is a stored capability grant
type CapabilityRow struct {
	CapabilityID string
	ConnectionID string
	Type         string
	Enabled      bool
	Payload      []byte
	GrantedAt    int64
	RevokedAt    *int64
}

// PutCapability inserts or replaces a capability grant
func (s *Store) PutCapability(row CapabilityRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := s.encrypt(row.Payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt capability payload: %w", err)
	}

	grantedAt := row.GrantedAt
	if grantedAt == 0 {
		grantedAt = time.Now().Unix()
	}

	_, err = s.db.Exec(`
		INSERT INTO capabilities (capability_id, connection_id, cap_type, enabled, payload, granted_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(capability_id) DO UPDATE SET
			enabled = excluded.enabled,
			payload = excluded.payload,
			revoked_at = excluded.revoked_at
	`, row.CapabilityID, row.ConnectionID, row.Type, boolToInt(row.Enabled), enc, grantedAt, row.RevokedAt)
	if err != nil {
		return fmt.Errorf("failed to store capability: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// ListCapabilities returns all capability grants for a connection,
// including revoked ones.
func (s *Store) ListCapabilities(connectionID string) ([]CapabilityRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT capability_id, connection_id, cap_type, enabled, payload, granted_at, revoked_at
		FROM capabilities WHERE connection_id = ? ORDER BY granted_at
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list capabilities: %w", err)
	}
	defer rows.Close()

	var out []CapabilityRow
	for rows.Next() {
		var row CapabilityRow
		var enabled int
		var enc []byte
		if err := rows.Scan(&row.CapabilityID, &row.ConnectionID, &row.Type, &enabled, &enc, &row.GrantedAt, &row.RevokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan capability: %w", err)
		}
		row.Enabled = enabled == 1
		row.Payload, err = s.decrypt(enc)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt capability %s: %w", row.CapabilityID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ===============================
// Audit Operations
// ===============================

// AuditRow is a stored audit entry
type AuditRow struct {
	EntryID      string
	ConnectionID string
	Seq          int64
	Payload      []byte
	EntryHash    string
	PreviousHash string
	CreatedAt    int64
}

// ChainState is the persisted chain tip for a connection
type ChainState struct {
	ConnectionID string
	LastEntryID  string
	LastHash     string
	EntryCount   int64
}

// AppendAuditEntry atomically appends an entry and advances the chain
// tip. The entry's previous_hash must equal the current tip (or the
// genesis value for an empty chain); otherwise ErrChainConflict.
func (s *Store) AppendAuditEntry(row AuditRow, genesisHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := s.encrypt(row.Payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt audit payload: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var tipHash string
	var count int64
	err = tx.QueryRow(`SELECT last_hash, entry_count FROM audit_chain WHERE connection_id = ?`, row.ConnectionID).
		Scan(&tipHash, &count)
	if err == sql.ErrNoRows {
		tipHash = genesisHash
		count = 0
	} else if err != nil {
		return fmt.Errorf("failed to read chain tip: %w", err)
	}

	if row.PreviousHash != tipHash {
		return ErrChainConflict
	}

	_, err = tx.Exec(`
		INSERT INTO audit_entries (entry_id, connection_id, seq, payload, entry_hash, previous_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, row.EntryID, row.ConnectionID, count+1, enc, row.EntryHash, row.PreviousHash, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO audit_chain (connection_id, last_entry_id, last_hash, entry_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			last_entry_id = excluded.last_entry_id,
			last_hash = excluded.last_hash,
			entry_count = excluded.entry_count
	`, row.ConnectionID, row.EntryID, row.EntryHash, count+1)
	if err != nil {
		return fmt.Errorf("failed to advance chain tip: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit append: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// GetChainState returns the chain tip for a connection, or nil if the
// chain is empty.
func (s *Store) GetChainState(connectionID string) (*ChainState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var state ChainState
	err := s.db.QueryRow(`
		SELECT connection_id, last_entry_id, last_hash, entry_count
		FROM audit_chain WHERE connection_id = ?
	`, connectionID).Scan(&state.ConnectionID, &state.LastEntryID, &state.LastHash, &state.EntryCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chain state: %w", err)
	}
	return &state, nil
}

// ListAuditEntries returns a connection's audit entries in chain order
func (s *Store) ListAuditEntries(connectionID string) ([]AuditRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT entry_id, connection_id, seq, payload, entry_hash, previous_hash, created_at
		FROM audit_entries WHERE connection_id = ? ORDER BY seq
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var row AuditRow
		var enc []byte
		if err := rows.Scan(&row.EntryID, &row.ConnectionID, &row.Seq, &enc, &row.EntryHash, &row.PreviousHash, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		row.Payload, err = s.decrypt(enc)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt audit entry %s: %w", row.EntryID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ===============================
// Revocation Operations
// ===============================

// GetRevocation returns the stored revocation payload for an idempotency
// token, or found=false if no revocation completed under that token.
func (s *Store) GetRevocation(token string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var enc []byte
	err := s.db.QueryRow(`SELECT payload FROM revocations WHERE idempotency_token = ?`, token).Scan(&enc)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get revocation: %w", err)
	}

	payload, err := s.decrypt(enc)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decrypt revocation: %w", err)
	}
	return payload, true, nil
}

// PutRevocation records a completed revocation under its token
func (s *Store) PutRevocation(token, connectionID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := s.encrypt(payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt revocation payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO revocations (idempotency_token, connection_id, payload, completed_at)
		VALUES (?, ?, ?, ?)
	`, token, connectionID, enc, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store revocation: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// ===============================
// Contract History Operations
// ===============================

// PutContractHistory archives a contract version
func (s *Store) PutContractHistory(connectionID string, version int, status string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := s.encrypt(payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt history payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO contract_history (connection_id, version, status, payload, archived_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, version) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload
	`, connectionID, version, status, enc, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store contract history: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// HistoryRow is an archived contract version
type HistoryRow struct {
	ConnectionID string
	Version      int
	Status       string
	Payload      []byte
	ArchivedAt   int64
}

// ListContractHistory returns archived contract versions in order
func (s *Store) ListContractHistory(connectionID string) ([]HistoryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT connection_id, version, status, payload, archived_at
		FROM contract_history WHERE connection_id = ? ORDER BY version
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contract history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var row HistoryRow
		var enc []byte
		if err := rows.Scan(&row.ConnectionID, &row.Version, &row.Status, &enc, &row.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		row.Payload, err = s.decrypt(enc)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt history row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ===============================
// Encryption
// ===============================

// encrypt encrypts data with XChaCha20-Poly1305, nonce prepended
func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt decrypts data produced by encrypt
func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := ciphertext[:nonceSize]
	return aead.Open(nil, nonce, ciphertext[nonceSize:], nil)
}

func (s *Store) incrementRollbackCounter() {
	s.rollbackCounter++
	s.db.Exec(`UPDATE _metadata SET value = ?, updated_at = ? WHERE key = 'rollback_counter'`,
		fmt.Sprintf("%d", s.rollbackCounter), time.Now().Unix())
}

// RollbackCounter returns the current rollback protection counter
func (s *Store) RollbackCounter() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rollbackCounter
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
