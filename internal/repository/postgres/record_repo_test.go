package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-trustvault/internal/audit"
	"github.com/xela07ax/spaceai-trustvault/internal/domain"
)

// Интеграционные тесты: нужен живой Postgres в TRUSTVAULT_TEST_DATABASE_URL.
func testPool(t *testing.T) *RecordRepo {
	t.Helper()
	dsn := os.Getenv("TRUSTVAULT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TRUSTVAULT_TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return NewRecordRepo(pool)
}

func TestRecordRepo_FlaggedRoundTrip(t *testing.T) {
	repo := testPool(t)
	ctx := context.Background()
	id := uuid.NewString()

	rec := &domain.Record{
		ID:         id,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
		Content:    "noted pattern: eval(userInput) is dangerous, avoid it",
		TrustLevel: domain.TrustUntrusted,
		Source:     "web-scrape",
		Tags:       []string{"notes"},
	}
	require.NoError(t, repo.WriteRecord(ctx, rec))

	next := rec.Clone()
	next.TrustLevel = domain.TrustFlagged
	next.SanitizedContent = "noted pattern: [PATTERN_1] is dangerous, avoid it"
	ts := time.Now().UTC().Truncate(time.Microsecond)
	next.ValidatedAt = &ts
	next.VaultedPatterns = []domain.VaultedPattern{{
		Reference: "PATTERN_1", Description: "dynamic code evaluation call", Severity: domain.SeverityMedium,
		Offset: 15, Length: 15, Ciphertext: []byte{1, 2, 3}, IV: make([]byte, 16), AuthTag: make([]byte, 32), KeyDerivationSalt: make([]byte, 32),
	}}
	require.NoError(t, repo.WriteRecord(ctx, next))

	got, err := repo.ReadRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TrustFlagged, got.TrustLevel)
	require.Len(t, got.VaultedPatterns, 1)
	assert.Equal(t, domain.SeverityMedium, got.VaultedPatterns[0].Severity)
	assert.Equal(t, []byte{1, 2, 3}, got.VaultedPatterns[0].Ciphertext)

	again := next.Clone()
	again.TrustLevel = domain.TrustQuarantined
	again.SanitizedContent = ""
	again.VaultedPatterns = nil
	require.ErrorIs(t, repo.WriteRecord(ctx, again), domain.ErrConflict)
}

func TestRecordRepo_LoadReadableSkipsQuarantine(t *testing.T) {
	repo := testPool(t)
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, repo.WriteRecord(ctx, &domain.Record{
		ID: id, CreatedAt: time.Now().UTC(), Content: "<script>x</script>", TrustLevel: domain.TrustQuarantined,
	}))

	recs, skipped, err := repo.LoadReadable(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, skipped, 1)
	for _, r := range recs {
		assert.NotEqual(t, id, r.ID)
	}
}

func TestRecordRepo_NilTagsRoundTrip(t *testing.T) {
	repo := testPool(t)
	ctx := context.Background()
	rec := &domain.Record{
		ID: uuid.NewString(), CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		Content: "Meeting notes", TrustLevel: domain.TrustUntrusted,
	}
	require.NoError(t, repo.WriteRecord(ctx, rec))

	got, err := repo.ReadRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Tags)
	assert.Nil(t, got.Metadata)
	assert.Equal(t, rec.Content, got.Content)
}

func TestRecordRepo_QuarantinedIDs(t *testing.T) {
	repo := testPool(t)
	ctx := context.Background()
	bad, ok := uuid.NewString(), uuid.NewString()
	require.NoError(t, repo.WriteRecord(ctx, &domain.Record{
		ID: bad, CreatedAt: time.Now().UTC(), Content: "<script>x</script>", TrustLevel: domain.TrustQuarantined,
	}))
	require.NoError(t, repo.WriteRecord(ctx, &domain.Record{
		ID: ok, CreatedAt: time.Now().UTC(), Content: "Meeting notes", TrustLevel: domain.TrustUntrusted,
	}))

	ids, err := repo.QuarantinedIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, bad)
	assert.NotContains(t, ids, ok)
}

func TestSecurityEventRepo_WriteBatch(t *testing.T) {
	repo := testPool(t)
	events := NewSecurityEventRepo(repo.pool)
	err := events.WriteBatch(context.Background(), []audit.SecurityEvent{
		{ID: uuid.NewString(), Type: audit.EventTrustTransition, Severity: audit.SeverityInfo, Source: "test", Details: map[string]interface{}{"record_id": "x"}, Timestamp: time.Now()},
		{ID: uuid.NewString(), Type: audit.EventDecryptAttempt, Severity: audit.SeverityWarning, Source: "test", Timestamp: time.Now()},
	})
	require.NoError(t, err)
	require.NoError(t, events.WriteBatch(context.Background(), nil))
}
