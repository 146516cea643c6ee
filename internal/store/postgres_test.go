package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestPostgres connects to TEST_DATABASE_URL and empties the AMP tables.
// The database is wiped, so never point it at a live deployment.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	require.NoError(t, RunMigrations(ctx, url))
	s, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.pool.Exec(ctx, `TRUNCATE agents, inbox_messages, relay_messages CASCADE`)
	require.NoError(t, err)
	return s
}

func TestPostgresAgents(t *testing.T) { runAgentTests(t, newTestPostgres(t)) }

func TestPostgresInbox(t *testing.T) { runInboxTests(t, newTestPostgres(t)) }

func TestPostgresRelayBackend(t *testing.T) { runRelayBackendTests(t, newTestPostgres(t)) }
