package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit", "codeguard.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDigest(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Digest(""))
	assert.Len(t, Digest("print('hello')"), 64)
	assert.NotEqual(t, Digest("a"), Digest("b"))
}

func TestAppendAndQuery(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	records := []Record{
		{Action: ActionValidate, Language: "js", CodeDigest: Digest("eval(x)"), Verdict: VerdictBlocked, RiskScore: 40, RuleIDs: []string{"js-eval"}, ErrorKind: "security_violation", CreatedAt: base},
		{Action: ActionExecute, Language: "py", CodeDigest: Digest("print(1)"), Verdict: VerdictExecuted, CreatedAt: base.Add(time.Second), ExecutionTimeMs: 12},
		{ID: uuid.NewString(), Action: ActionExecute, Language: "py", CodeDigest: Digest("import os"), Verdict: VerdictExecuted, Bypassed: true, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, r := range records {
		require.NoError(t, store.Append(ctx, r))
	}

	t.Run("NewestFirst", func(t *testing.T) {
		got, err := store.Query(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.True(t, got[0].Bypassed)
		assert.Equal(t, records[2].ID, got[0].ID)
		assert.Equal(t, "js", got[2].Language)
		assert.Equal(t, []string{"js-eval"}, got[2].RuleIDs)
		assert.Equal(t, 40, got[2].RiskScore)
		assert.Nil(t, got[1].RuleIDs)
	})

	t.Run("ByLanguage", func(t *testing.T) {
		got, err := store.Query(ctx, Filter{Language: "py"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("BypassedOnly", func(t *testing.T) {
		got, err := store.Query(ctx, Filter{BypassedOnly: true})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, Digest("import os"), got[0].CodeDigest)
	})

	t.Run("ByVerdictWithLimit", func(t *testing.T) {
		got, err := store.Query(ctx, Filter{Verdict: VerdictExecuted, Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(0), got[0].ExecutionTimeMs)
	})
}

func TestAppendFillsDefaults(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, Record{Action: ActionValidate, Language: "ts", Verdict: VerdictPassed}))

	got, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	_, err = uuid.Parse(got[0].ID)
	assert.NoError(t, err)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("", zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	assert.NoError(t, r.Append(context.Background(), Record{}))
}
