package syncqueue

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsync/contactsync/internal/contact"
	"github.com/kestrelsync/contactsync/internal/database"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "contacts.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return NewQueue(db)
}

func TestAddThenApproveThenSyncing(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Add("c1", OpCreate, nil, &contact.Data{Name: &contact.Name{Given: "Ada"}}, "h1", nil)
	require.NoError(t, err)

	items, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, StatusPending, items[0].SyncStatus)

	require.NoError(t, q.Approve(id))

	approved, err := q.Approved()
	require.NoError(t, err)
	require.Len(t, approved, 1)
	require.True(t, approved[0].Reviewed)
	require.NotNil(t, approved[0].Approved)
	require.True(t, *approved[0].Approved)

	claimed, err := q.MarkSyncing(id)
	require.NoError(t, err)
	require.True(t, claimed)
}

// TestCASExclusivity covers spec P3: of N concurrent mark_syncing
// attempts on one approved row, exactly one returns true.
func TestCASExclusivity(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Add("c1", OpCreate, nil, &contact.Data{}, "h1", nil)
	require.NoError(t, err)
	require.NoError(t, q.Approve(id))

	const n = 20
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := q.MarkSyncing(id)
			require.NoError(t, err)
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		if r {
			successes++
		}
	}
	require.Equal(t, 1, successes)

	items, err := q.ByFilter(ByFilter{Status: []Status{StatusSyncing}})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestRetryBumpsCountAndFails(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Add("c1", OpUpdate, &contact.Data{}, &contact.Data{}, "h1", nil)
	require.NoError(t, err)
	require.NoError(t, q.Approve(id))

	claimed, err := q.MarkSyncing(id)
	require.NoError(t, err)
	require.True(t, claimed)

	err = q.MarkFailed(id, assertErr("transient"))
	require.NoError(t, err)

	failed, err := q.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 1, failed[0].RetryCount)
	require.Equal(t, "transient", failed[0].ErrorMessage)

	resumed, err := q.ResumeFailed()
	require.NoError(t, err)
	require.Equal(t, 1, resumed)

	approved, err := q.Approved()
	require.NoError(t, err)
	require.Len(t, approved, 1)
	require.Empty(t, approved[0].ErrorMessage)
}

func TestByFilterRejectsInvalidStatus(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.ByFilter(ByFilter{Status: []Status{"bogus"}})
	require.Error(t, err)
}

func TestApproveManyRollsBackOnPartialFailure(t *testing.T) {
	q := newTestQueue(t)
	id1, err := q.Add("c1", OpCreate, nil, &contact.Data{}, "h1", nil)
	require.NoError(t, err)

	// id 999 does not exist, so this batch must roll back id1's approval too.
	err = q.ApproveMany([]int64{id1, 999})
	require.Error(t, err)

	items, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.False(t, items[0].Reviewed)
}

func TestStats(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Add("c1", OpCreate, nil, &contact.Data{}, "h1", nil)
	require.NoError(t, err)
	id2, err := q.Add("c2", OpCreate, nil, &contact.Data{}, "h2", nil)
	require.NoError(t, err)
	require.NoError(t, q.Approve(id2))

	stats, err := q.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.Approved)
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertErr(msg string) error { return testErr(msg) }
