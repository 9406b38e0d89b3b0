package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsStable(t *testing.T) {
	a := Key("medication.changed", "evt-1")
	assert.Equal(t, a, Key("medication.changed", "evt-1"))
	assert.NotEqual(t, a, Key("medication.changed", "evt-2"))
	assert.Len(t, a, 64)
}

func TestTerminalWrapping(t *testing.T) {
	base := errors.New("medication not found")
	err := fmt.Errorf("plan: %w", Terminal(base))
	assert.True(t, IsTerminal(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsTerminal(base))
	assert.NoError(t, Terminal(nil))
}

func testInbox(t *testing.T) *Inbox {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = pool.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS inbox (
			idempotency_key TEXT PRIMARY KEY,
			handler_name    TEXT        NOT NULL,
			status          TEXT        NOT NULL,
			payload         JSONB,
			result          JSONB,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at      TIMESTAMPTZ
		)`)
	require.NoError(t, err)
	return NewInbox(pool, DefaultInboxConfig(), nil)
}

func TestProcessRunsOnce(t *testing.T) {
	inbox := testInbox(t)
	ctx := context.Background()
	key := Key("test", uuid.NewString())

	calls := 0
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"ok":true}`), nil
	}

	res, err := inbox.Process(ctx, key, "planner", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, res.IsNew)

	res, err = inbox.Process(ctx, key, "planner", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))
	assert.Equal(t, 1, calls)
}

func TestProcessRetriesRecoverableButNotTerminal(t *testing.T) {
	inbox := testInbox(t)
	ctx := context.Background()

	key := Key("test", uuid.NewString())
	_, err := inbox.Process(ctx, key, "planner", nil, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("db timeout")
	})
	require.Error(t, err)

	res, err := inbox.Process(ctx, key, "planner", nil, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)

	dead := Key("test", uuid.NewString())
	_, err = inbox.Process(ctx, dead, "planner", nil, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		return nil, Terminal(errors.New("unknown medication"))
	})
	require.Error(t, err)
	_, err = inbox.Process(ctx, dead, "planner", nil, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		t.Fatal("terminal entries are not retried")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}
