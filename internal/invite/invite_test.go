package invite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "invite_test.db")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
		os.Remove(path)
	})
	store := NewSQLStore(db, "sqlite3")
	_, err = db.Exec(store.Schema())
	require.NoError(t, err)
	return store
}

func TestConsumeAtomic_SingleUseRace(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store)
	ctx := context.Background()

	inv, err := svc.Create(ctx, CreateRequest{Code: "ATOMIC1", MaxUses: 1}, "admin")
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Consume(ctx, inv.Code, "user-"+string(rune('a'+i)))
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "expected exactly 1 success")

	final, err := svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, final.UsesRemaining)
}

func TestConsumeAtomic_MaxUsesRace(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store)
	ctx := context.Background()

	const maxUses = 4
	const concurrent = 10
	inv, err := svc.Create(ctx, CreateRequest{Code: "MULTI1", MaxUses: maxUses}, "admin")
	require.NoError(t, err)

	var wg sync.WaitGroup
	successCount := 0
	var mu sync.Mutex
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Consume(ctx, inv.Code, "user")
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, maxUses, successCount)
}

func TestConsume_NotFound(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store)
	_, err := svc.Consume(context.Background(), "nonexistent", "u1")
	require.Error(t, err)
}

func TestConsume_Exhausted(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store)
	ctx := context.Background()
	inv, err := svc.Create(ctx, CreateRequest{Code: "ONE", MaxUses: 1}, "admin")
	require.NoError(t, err)

	_, err = svc.Consume(ctx, inv.Code, "u1")
	require.NoError(t, err, "first consume should succeed")

	_, err = svc.Consume(ctx, inv.Code, "u2")
	assert.Error(t, err, "expected exhausted error")
}

func TestRestoreUse_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store)
	ctx := context.Background()
	inv, err := svc.Create(ctx, CreateRequest{Code: "RESTORE1", MaxUses: 2}, "admin")
	require.NoError(t, err)

	_, err = svc.Consume(ctx, inv.Code, "u1")
	require.NoError(t, err)
	before, err := svc.Get(ctx, inv.ID)
	require.NoError(t, err)

	require.NoError(t, svc.RestoreUse(ctx, inv.Code))
	after, err := svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, before.UsesRemaining+1, after.UsesRemaining)

	// restoring past max_uses is a silent no-op
	require.NoError(t, svc.RestoreUse(ctx, inv.Code))
	final, err := svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.MaxUses, final.UsesRemaining)
}

func TestRevoke(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store)
	ctx := context.Background()
	inv, err := svc.Create(ctx, CreateRequest{Code: "REV1", MaxUses: 5}, "admin")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, inv.ID))
	got, err := svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UsesRemaining, "expected 0 uses remaining after revoke")
}
