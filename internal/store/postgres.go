package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/amprelay/internal/models"
	"github.com/eldtechnologies/amprelay/internal/relay"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const pgUniqueViolation = "23505"

const pgAgentColumns = `id, name, host_id, tenant, scope, alias, address, public_key, key_algorithm,
	fingerprint, api_key_hash, delivery, metadata, registered_at, last_seen_at`

// CreateAgent inserts a new agent record.
func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, name_lower, host_id, tenant, scope, alias, address, public_key,
			key_algorithm, fingerprint, api_key_hash, delivery, metadata, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, agent.ID, agent.Name, strings.ToLower(agent.Name), agent.HostID, agent.Tenant,
		agent.Scope, agent.Alias, agent.Address, agent.PublicKey, agent.KeyAlgorithm,
		agent.Fingerprint, agent.APIKeyHash, nullableJSON(agent.Delivery), nullableJSON(agent.Metadata),
		agent.RegisteredAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrNameTaken
		}
		return err
	}
	return nil
}

func scanPostgresAgent(row pgx.Row) (*models.Agent, error) {
	agent := &models.Agent{}
	var delivery, metadata *string
	err := row.Scan(
		&agent.ID,
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
		&agent.LastSeenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if delivery != nil {
		agent.Delivery = json.RawMessage(*delivery)
	}
	if metadata != nil {
		agent.Metadata = json.RawMessage(*metadata)
	}
	return agent, nil
}

// GetAgentByID retrieves an agent by ID.
func (s *PostgresStore) GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgAgentColumns+` FROM agents WHERE id = $1`, id)
	return scanPostgresAgent(row)
}

// GetAgentByName retrieves an agent by case-insensitive name on one host.
func (s *PostgresStore) GetAgentByName(ctx context.Context, name, hostID string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pgAgentColumns+`
		FROM agents WHERE name_lower = $1 AND host_id = $2
	`, strings.ToLower(name), hostID)
	return scanPostgresAgent(row)
}

// FindAgentByName retrieves the earliest registered agent with name on any host.
func (s *PostgresStore) FindAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pgAgentColumns+`
		FROM agents WHERE name_lower = $1
		ORDER BY registered_at ASC
		LIMIT 1
	`, strings.ToLower(name))
	return scanPostgresAgent(row)
}

// TouchAgent records agent activity.
func (s *PostgresStore) TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE agents SET last_seen_at = $1 WHERE id = $2`, at, id)
	return err
}

// CountAgents returns the total number of registered agents.
func (s *PostgresStore) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	return count, err
}

// CreateInboxMessage stores a delivered message. Re-delivering the same id is a no-op.
func (s *PostgresStore) CreateInboxMessage(ctx context.Context, msg *models.InboxMessage) error {
	env, payload, err := encodeInbox(msg)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO inbox_messages (id, from_agent_id, from_address, to_agent_id, subject, priority,
			envelope, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.FromAgentID, msg.FromAddress, msg.ToAgentID, msg.Subject, msg.Priority,
		env, payload, msg.CreatedAt)
	return err
}

// ListInbox returns the newest messages for an agent.
func (s *PostgresStore) ListInbox(ctx context.Context, agentID uuid.UUID, limit int, unreadOnly bool) ([]models.InboxMessage, error) {
	query := `
		SELECT id, from_agent_id, from_address, to_agent_id, subject, priority, envelope, payload, created_at, read_at
		FROM inbox_messages
		WHERE to_agent_id = $1`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, agentID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.InboxMessage
	for rows.Next() {
		var (
			msg          models.InboxMessage
			env, payload string
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
			&msg.ReadAt,
		)
		if err != nil {
			return nil, err
		}
		if err := decodeInbox(&msg, []byte(env), []byte(payload)); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkInboxRead marks one inbox message as read.
func (s *PostgresStore) MarkInboxRead(ctx context.Context, agentID uuid.UUID, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE inbox_messages SET read_at = NOW()
		WHERE id = $1 AND to_agent_id = $2 AND read_at IS NULL
	`, id, agentID.String())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CountInbox returns the total number of locally delivered messages.
func (s *PostgresStore) CountInbox(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM inbox_messages`).Scan(&count)
	return count, err
}

// RelayBackend returns a relay backend over the relay_messages table.
func (s *PostgresStore) RelayBackend() relay.Backend {
	return &postgresRelayBackend{pool: s.pool}
}

// postgresRelayBackend stores relay entries in PostgreSQL. Times are unix nanoseconds.
type postgresRelayBackend struct {
	pool *pgxpool.Pool
}

func (b *postgresRelayBackend) Put(ctx context.Context, rec relay.Record) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO relay_messages (recipient, id, data, queued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (recipient, id) DO UPDATE SET
			data = EXCLUDED.data, queued_at = EXCLUDED.queued_at, expires_at = EXCLUDED.expires_at
	`, rec.Recipient, rec.ID, rec.Data, rec.QueuedAt.UnixNano(), rec.ExpiresAt.UnixNano())
	return err
}

func (b *postgresRelayBackend) Get(ctx context.Context, recipient, id string) (*relay.Record, error) {
	rec := &relay.Record{Recipient: recipient, ID: id}
	var queuedAt, expiresAt int64
	err := b.pool.QueryRow(ctx, `
		SELECT data, queued_at, expires_at FROM relay_messages WHERE recipient = $1 AND id = $2
	`, recipient, id).Scan(&rec.Data, &queuedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.QueuedAt = time.Unix(0, queuedAt)
	rec.ExpiresAt = time.Unix(0, expiresAt)
	return rec, nil
}

func (b *postgresRelayBackend) Update(ctx context.Context, rec relay.Record) (bool, error) {
	tag, err := b.pool.Exec(ctx, `UPDATE relay_messages SET data = $1 WHERE recipient = $2 AND id = $3`,
		rec.Data, rec.Recipient, rec.ID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (b *postgresRelayBackend) Delete(ctx context.Context, recipient, id string) (bool, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM relay_messages WHERE recipient = $1 AND id = $2`, recipient, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (b *postgresRelayBackend) List(ctx context.Context, recipient string) ([]relay.Record, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, data, queued_at, expires_at FROM relay_messages
		WHERE recipient = $1
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

func (b *postgresRelayBackend) ExpiredBefore(ctx context.Context, recipient string, t time.Time) ([]relay.Record, error) {
	query := `SELECT recipient, id, expires_at FROM relay_messages WHERE expires_at < $1`
	args := []any{t.UnixNano()}
	if recipient != "" {
		query += ` AND recipient = $2`
		args = append(args, recipient)
	}

	rows, err := b.pool.Query(ctx, query, args...)
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

func (b *postgresRelayBackend) Recipients(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT DISTINCT recipient FROM relay_messages ORDER BY recipient`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
