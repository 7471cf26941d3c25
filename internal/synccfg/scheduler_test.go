package synccfg

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsync/contactsync/internal/contact"
	"github.com/kestrelsync/contactsync/internal/contactstore"
	"github.com/kestrelsync/contactsync/internal/database"
	"github.com/kestrelsync/contactsync/internal/remoteapi"
	"github.com/kestrelsync/contactsync/internal/syncengine"
	"github.com/kestrelsync/contactsync/internal/syncqueue"
)

// blockingClient lets a test hold a sync drain open so a second tick
// can be observed being coalesced rather than queued.
type blockingClient struct {
	calls   atomic.Int32
	release chan struct{}
}

func (c *blockingClient) AccountGet(ctx context.Context) (remoteapi.AccountInfo, error) {
	return remoteapi.AccountInfo{}, nil
}
func (c *blockingClient) ContactsScroll(ctx context.Context, size int, cursor string) ([]contact.Contact, string, error) {
	return nil, "", nil
}
func (c *blockingClient) ContactsSearch(ctx context.Context, query string) ([]contact.Contact, error) {
	return nil, nil
}
func (c *blockingClient) ContactsGet(ctx context.Context, ids []string) ([]contact.Contact, error) {
	return nil, nil
}
func (c *blockingClient) ContactsCreate(ctx context.Context, data contact.Contact) (contact.Contact, error) {
	c.calls.Add(1)
	<-c.release
	return data, nil
}
func (c *blockingClient) ContactsUpdate(ctx context.Context, data contact.Contact) (contact.Contact, error) {
	c.calls.Add(1)
	<-c.release
	return data, nil
}

func newTestEngine(t *testing.T, client remoteapi.Client) (*syncengine.Engine, *syncqueue.Queue) {
	t.Helper()
	db := newTestDB(t)
	store := contactstore.NewStore(db)
	queue := syncqueue.NewQueue(db)
	return syncengine.NewEngine(queue, store, client), queue
}

func TestSchedulerDoesNotTickWhenAutoSyncDisabled(t *testing.T) {
	client := &blockingClient{release: make(chan struct{})}
	close(client.release)
	engine, _ := newTestEngine(t, client)

	cfgStore := NewStore(newTestDB(t))
	sched := NewScheduler(engine, cfgStore)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), client.calls.Load())
}

func TestSchedulerTriggerSyncRunsImmediately(t *testing.T) {
	client := &blockingClient{release: make(chan struct{})}
	close(client.release)
	engine, queue := newTestEngine(t, client)
	id, err := queue.Add("c1", syncqueue.OpCreate, nil, &contact.Data{Notes: "hi"}, "hash1", nil)
	require.NoError(t, err)
	require.NoError(t, queue.Approve(id))

	cfgStore := NewStore(newTestDB(t))
	sched := NewScheduler(engine, cfgStore)
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	sched.TriggerSync()

	require.Eventually(t, func() bool {
		return client.calls.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerCoalescesTickDuringInFlightDrain(t *testing.T) {
	client := &blockingClient{release: make(chan struct{})}
	engine, queue := newTestEngine(t, client)
	id, err := queue.Add("c1", syncqueue.OpCreate, nil, &contact.Data{Notes: "hi"}, "hash1", nil)
	require.NoError(t, err)
	require.NoError(t, queue.Approve(id))

	cfgStore := NewStore(newTestDB(t))
	sched := NewScheduler(engine, cfgStore)
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	sched.TriggerSync()
	require.Eventually(t, func() bool {
		return client.calls.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	// A second trigger while the first drain is still blocked on
	// client.release must be coalesced, not queued: calls stays at 1
	// until the first drain is released.
	sched.TriggerSync()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), client.calls.Load())

	close(client.release)
}

func TestSchedulerReloadRearmsTimerAfterConfigChange(t *testing.T) {
	client := &blockingClient{release: make(chan struct{})}
	close(client.release)
	engine, _ := newTestEngine(t, client)

	cfgStore := NewStore(newTestDB(t))
	sched := NewScheduler(engine, cfgStore)
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	_, err := cfgStore.Update(func(c *Config) {
		c.AutoSync = true
		c.AutoSyncIntervalMinutes = 1
	})
	require.NoError(t, err)
	sched.Reload()

	// Reload must not panic or deadlock; the loop picks up the new
	// config on its next select iteration.
	time.Sleep(20 * time.Millisecond)
}
