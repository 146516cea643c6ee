package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/amprelay/internal/models"
	"github.com/eldtechnologies/amprelay/internal/relay"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/amp.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/amp.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		name_lower TEXT NOT NULL,
		host_id TEXT NOT NULL,
		tenant TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		alias TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL,
		public_key TEXT NOT NULL,
		key_algorithm TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		api_key_hash TEXT NOT NULL,
		delivery TEXT,
		metadata TEXT,
		registered_at DATETIME NOT NULL,
		last_seen_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS inbox_messages (
		id TEXT PRIMARY KEY,
		from_agent_id TEXT NOT NULL DEFAULT '',
		from_address TEXT NOT NULL,
		to_agent_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		priority TEXT NOT NULL,
		envelope TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		read_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS relay_messages (
		recipient TEXT NOT NULL,
		id TEXT NOT NULL,
		data BLOB,
		queued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (recipient, id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_name_host ON agents(name_lower, host_id);
	CREATE INDEX IF NOT EXISTS idx_inbox_to_created ON inbox_messages(to_agent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_relay_recipient_queued ON relay_messages(recipient, queued_at);
	CREATE INDEX IF NOT EXISTS idx_relay_expires ON relay_messages(expires_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteAgentColumns = `id, name, host_id, tenant, scope, alias, address, public_key, key_algorithm,
	fingerprint, api_key_hash, delivery, metadata, registered_at, last_seen_at`

// CreateAgent inserts a new agent record.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, name_lower, host_id, tenant, scope, alias, address, public_key,
			key_algorithm, fingerprint, api_key_hash, delivery, metadata, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID.String(), agent.Name, strings.ToLower(agent.Name), agent.HostID, agent.Tenant,
		agent.Scope, agent.Alias, agent.Address, agent.PublicKey, agent.KeyAlgorithm,
		agent.Fingerprint, agent.APIKeyHash, nullableJSON(agent.Delivery), nullableJSON(agent.Metadata),
		agent.RegisteredAt.UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrNameTaken
		}
		return err
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAgent(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var (
		idStr              string
		delivery, metadata sql.NullString
		lastSeen           sql.NullTime
	)
	err := row.Scan(
		&idStr,
		&agent.Name,
		&agent.HostID,
		&agent.Tenant,
		&agent.Scope,
		&agent.Alias,
		&agent.Address,
		&agent.PublicKey,
		&agent.KeyAlgorithm,
		&agent.Fingerprint,
		&agent.APIKeyHash,
		&delivery,
		&metadata,
		&agent.RegisteredAt,
		&lastSeen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	agent.ID = id
	if delivery.Valid {
		agent.Delivery = json.RawMessage(delivery.String)
	}
	if metadata.Valid {
		agent.Metadata = json.RawMessage(metadata.String)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		agent.LastSeenAt = &t
	}
	return agent, nil
}

// GetAgentByID retrieves an agent by ID.
func (s *SQLiteStore) GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAgentColumns+` FROM agents WHERE id = ?`, id.String())
	return scanSQLiteAgent(row)
}

// GetAgentByName retrieves an agent by case-insensitive name on one host.
func (s *SQLiteStore) GetAgentByName(ctx context.Context, name, hostID string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteAgentColumns+`
		FROM agents WHERE name_lower = ? AND host_id = ?
	`, strings.ToLower(name), hostID)
	return scanSQLiteAgent(row)
}

// FindAgentByName retrieves the earliest registered agent with name on any host.
func (s *SQLiteStore) FindAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteAgentColumns+`
		FROM agents WHERE name_lower = ?
		ORDER BY registered_at ASC
		LIMIT 1
	`, strings.ToLower(name))
	return scanSQLiteAgent(row)
}

// TouchAgent records agent activity.
func (s *SQLiteStore) TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = ? WHERE id = ?`, at.UTC(), id.String())
	return err
}

// CountAgents returns the total number of registered agents.
func (s *SQLiteStore) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	return count, err
}

// CreateInboxMessage stores a delivered message. Re-delivering the same id is a no-op.
func (s *SQLiteStore) CreateInboxMessage(ctx context.Context, msg *models.InboxMessage) error {
	env, payload, err := encodeInbox(msg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inbox_messages (id, from_agent_id, from_address, to_agent_id, subject, priority,
			envelope, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, msg.ID, msg.FromAgentID, msg.FromAddress, msg.ToAgentID, msg.Subject, msg.Priority,
		env, payload, msg.CreatedAt.UTC())
	return err
}

// ListInbox returns the newest messages for an agent.
func (s *SQLiteStore) ListInbox(ctx context.Context, agentID uuid.UUID, limit int, unreadOnly bool) ([]models.InboxMessage, error) {
	query := `
		SELECT id, from_agent_id, from_address, to_agent_id, subject, priority, envelope, payload, created_at, read_at
		FROM inbox_messages
		WHERE to_agent_id = ?`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, agentID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.InboxMessage
	for rows.Next() {
		var (
			msg          models.InboxMessage
			env, payload string
			readAt       sql.NullTime
		)
		err := rows.Scan(
			&msg.ID,
			&msg.FromAgentID,
			&msg.FromAddress,
			&msg.ToAgentID,
			&msg.Subject,
			&msg.Priority,
			&env,
			&payload,
			&msg.CreatedAt,
			&readAt,
		)
		if err != nil {
			return nil, err
		}
		if err := decodeInbox(&msg, []byte(env), []byte(payload)); err != nil {
			return nil, err
		}
		if readAt.Valid {
			t := readAt.Time
			msg.ReadAt = &t
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkInboxRead marks one inbox message as read.
func (s *SQLiteStore) MarkInboxRead(ctx context.Context, agentID uuid.UUID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inbox_messages SET read_at = ?
		WHERE id = ? AND to_agent_id = ? AND read_at IS NULL
	`, time.Now().UTC(), id, agentID.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountInbox returns the total number of locally delivered messages.
func (s *SQLiteStore) CountInbox(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbox_messages`).Scan(&count)
	return count, err
}

// RelayBackend returns a relay backend over the relay_messages table.
func (s *SQLiteStore) RelayBackend() relay.Backend {
	return &sqliteRelayBackend{db: s.db}
}

// sqliteRelayBackend stores relay entries in SQLite. Times are unix nanoseconds.
type sqliteRelayBackend struct {
	db *sql.DB
}

func (b *sqliteRelayBackend) Put(ctx context.Context, rec relay.Record) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO relay_messages (recipient, id, data, queued_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(recipient, id) DO UPDATE SET
			data = excluded.data, queued_at = excluded.queued_at, expires_at = excluded.expires_at
	`, rec.Recipient, rec.ID, rec.Data, rec.QueuedAt.UnixNano(), rec.ExpiresAt.UnixNano())
	return err
}

func (b *sqliteRelayBackend) Get(ctx context.Context, recipient, id string) (*relay.Record, error) {
	rec := &relay.Record{Recipient: recipient, ID: id}
	var queuedAt, expiresAt int64
	err := b.db.QueryRowContext(ctx, `
		SELECT data, queued_at, expires_at FROM relay_messages WHERE recipient = ? AND id = ?
	`, recipient, id).Scan(&rec.Data, &queuedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.QueuedAt = time.Unix(0, queuedAt)
	rec.ExpiresAt = time.Unix(0, expiresAt)
	return rec, nil
}

func (b *sqliteRelayBackend) Update(ctx context.Context, rec relay.Record) (bool, error) {
	res, err := b.db.ExecContext(ctx, `UPDATE relay_messages SET data = ? WHERE recipient = ? AND id = ?`,
		rec.Data, rec.Recipient, rec.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (b *sqliteRelayBackend) Delete(ctx context.Context, recipient, id string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM relay_messages WHERE recipient = ? AND id = ?`, recipient, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (b *sqliteRelayBackend) List(ctx context.Context, recipient string) ([]relay.Record, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, data, queued_at, expires_at FROM relay_messages
		WHERE recipient = ?
		ORDER BY queued_at ASC, id ASC
	`, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []relay.Record{}
	for rows.Next() {
		rec := relay.Record{Recipient: recipient}
		var queuedAt, expiresAt int64
		if err := rows.Scan(&rec.ID, &rec.Data, &queuedAt, &expiresAt); err != nil {
			return nil, err
		}
		rec.QueuedAt = time.Unix(0, queuedAt)
		rec.ExpiresAt = time.Unix(0, expiresAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (b *sqliteRelayBackend) ExpiredBefore(ctx context.Context, recipient string, t time.Time) ([]relay.Record, error) {
	query := `SELECT recipient, id, expires_at FROM relay_messages WHERE expires_at < ?`
	args := []any{t.UnixNano()}
	if recipient != "" {
		query += ` AND recipient = ?`
		args = append(args, recipient)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []relay.Record
	for rows.Next() {
		var (
			rec       relay.Record
			expiresAt int64
		)
		if err := rows.Scan(&rec.Recipient, &rec.ID, &expiresAt); err != nil {
			return nil, err
		}
		rec.ExpiresAt = time.Unix(0, expiresAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (b *sqliteRelayBackend) Recipients(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT recipient FROM relay_messages ORDER BY recipient`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}
