// Package syncengine drains approved sync-queue items against the
// remote contacts API (spec §4.D): sequential dispatch, exponential
// backoff retries, a per-item timeout, conflict detection, and a
// progress-callback interface for UI integration.
package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/kestrelsync/contactsync/internal/contact"
	"github.com/kestrelsync/contactsync/internal/contacterr"
	"github.com/kestrelsync/contactsync/internal/contacthash"
	"github.com/kestrelsync/contactsync/internal/contactstore"
	"github.com/kestrelsync/contactsync/internal/future"
	"github.com/kestrelsync/contactsync/internal/logging"
	"github.com/kestrelsync/contactsync/internal/remoteapi"
	"github.com/kestrelsync/contactsync/internal/syncqueue"
)

const (
	baseDelay      = 1 * time.Second
	maxDelay       = 30 * time.Second
	defaultRetries = 3
	itemTimeout    = 30 * time.Second
)

// Progress describes where a drain run currently stands, surfaced to
// callers at each step boundary (claim, fetch, compare, submit, finalize).
type Progress struct {
	Current     int
	Total       int
	CurrentItem *syncqueue.Item
	StepText    string
	LastResult  *ItemResult
}

// ProgressCallback receives progress updates during a drain.
type ProgressCallback func(Progress)

// ItemResult is the outcome of processing a single queue item.
type ItemResult struct {
	ItemID    int64
	ContactID string
	Operation syncqueue.Operation
	Success   bool
	Err       error
}

// Result is the aggregate outcome of one drain invocation.
type Result struct {
	Total    int
	Success  int
	Failure  int
	Skipped  int
	Results  []ItemResult
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// ConflictKind classifies a discrepancy found by DetectConflicts.
type ConflictKind string

const (
	ConflictHashMismatch ConflictKind = "hash_mismatch"
	ConflictNotFound     ConflictKind = "not_found"
	ConflictAPIError     ConflictKind = "api_error"
)

// Conflict is one finding from a non-destructive conflict survey.
type Conflict struct {
	ItemID    int64
	ContactID string
	Kind      ConflictKind
	Detail    string
}

// Engine drains approved queue items against the remote API.
type Engine struct {
	queue  *syncqueue.Queue
	store  *contactstore.Store
	client remoteapi.Client
	log    zerolog.Logger

	maxRetries int

	mu               sync.Mutex
	running          bool
	progressCallback ProgressCallback
}

// NewEngine constructs a drain engine over queue/store/client.
func NewEngine(queue *syncqueue.Queue, store *contactstore.Store, client remoteapi.Client) *Engine {
	return &Engine{
		queue:      queue,
		store:      store,
		client:     client,
		log:        logging.WithComponent("sync-engine"),
		maxRetries: defaultRetries,
	}
}

// SetProgressCallback installs the callback invoked at step boundaries.
func (e *Engine) SetProgressCallback(cb ProgressCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progressCallback = cb
}

func (e *Engine) emit(p Progress) {
	e.mu.Lock()
	cb := e.progressCallback
	e.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

// SyncApproved drains every approved item sequentially. Only one drain
// runs at a time; a call made while one is in flight returns immediately
// with an error rather than queuing behind it (spec §4.D: "the engine
// offers exactly one concurrent draining task").
func (e *Engine) SyncApproved(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, contacterr.New(contacterr.Validation, "syncengine.SyncApproved", fmt.Errorf("a drain is already running"))
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	items, err := e.queue.Approved()
	if err != nil {
		return nil, err
	}

	result := &Result{Total: len(items), Start: time.Now()}

	for i, item := range items {
		e.emit(Progress{Current: i, Total: len(items), CurrentItem: item, StepText: "claim"})

		claimed, err := e.queue.MarkSyncing(item.ID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			result.Skipped++
			continue
		}

		res := e.processItem(ctx, item)
		result.Results = append(result.Results, res)
		if res.Success {
			result.Success++
		} else {
			result.Failure++
		}

		e.emit(Progress{Current: i + 1, Total: len(items), CurrentItem: item, StepText: "finalize", LastResult: &res})
	}

	result.End = time.Now()
	result.Duration = result.End.Sub(result.Start)
	return result, nil
}

// processItem runs one item through retries with exponential backoff,
// each attempt racing the 30-second per-item timeout.
func (e *Engine) processItem(ctx context.Context, item *syncqueue.Item) ItemResult {
	res := ItemResult{ItemID: item.ID, ContactID: item.ContactID, Operation: item.Operation}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = baseDelay
	exp.Multiplier = 2
	exp.MaxInterval = maxDelay
	exp.MaxElapsedTime = 0
	exp.RandomizationFactor = 0
	policy := backoff.WithMaxRetries(exp, uint64(e.maxRetries))

	var lastErr error
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, itemTimeout)
		defer cancel()

		f := future.New(attemptCtx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.dispatch(ctx, item)
		})
		_, err := f.Wait(attemptCtx)
		lastErr = err
		if err == nil {
			return nil
		}

		// Every failed attempt bumps retry_count on the spot (spec I6:
		// the count tracks attempts made, not drain cycles), whether or
		// not the attempt turns out to be retried.
		if bumpErr := e.queue.BumpRetryCount(item.ID, err); bumpErr != nil {
			e.log.Warn().Err(bumpErr).Int64("itemID", item.ID).Msg("failed to bump retry count")
		}

		// Unsupported (delete) and NotFound are not transient — retrying
		// wastes the retry budget on an outcome that cannot change.
		switch contacterr.KindOf(err) {
		case contacterr.Unsupported, contacterr.NotFound:
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, policy)
	if err != nil {
		_ = e.queue.FailSyncing(item.ID, lastErr)
		res.Success = false
		res.Err = lastErr
		return res
	}

	if err := e.queue.MarkSynced(item.ID); err != nil {
		res.Success = false
		res.Err = err
		return res
	}
	res.Success = true
	return res
}

// dispatch performs exactly one attempt of create/update/delete.
func (e *Engine) dispatch(ctx context.Context, item *syncqueue.Item) error {
	switch item.Operation {
	case syncqueue.OpCreate:
		return e.dispatchCreate(ctx, item)
	case syncqueue.OpUpdate:
		return e.dispatchUpdate(ctx, item)
	case syncqueue.OpDelete:
		return contacterr.New(contacterr.Unsupported, "syncengine.dispatch", fmt.Errorf("delete is not supported by the remote API"))
	default:
		return contacterr.New(contacterr.Validation, "syncengine.dispatch", fmt.Errorf("unknown operation %q", item.Operation))
	}
}

func (e *Engine) dispatchCreate(ctx context.Context, item *syncqueue.Item) error {
	e.emit(Progress{CurrentItem: item, StepText: "submit"})

	var data contact.Data
	if item.DataAfter != nil {
		data = *item.DataAfter
	}

	created, err := e.client.ContactsCreate(ctx, contact.Contact{ID: item.ContactID, Data: data})
	if err != nil {
		return err
	}

	if _, err := e.store.SaveContact(contact.Contact{ID: created.ID, Data: created.Data, Metadata: created.Metadata}, contact.SourceAPI, item.ImportSessionID, true); err != nil {
		return err
	}
	return nil
}

func (e *Engine) dispatchUpdate(ctx context.Context, item *syncqueue.Item) error {
	e.emit(Progress{CurrentItem: item, StepText: "fetch"})

	remoteContacts, err := e.client.ContactsGet(ctx, []string{item.ContactID})
	if err != nil {
		return err
	}
	if len(remoteContacts) == 0 {
		return contacterr.New(contacterr.NotFound, "syncengine.dispatchUpdate", fmt.Errorf("contact %s not found remotely", item.ContactID))
	}
	remote := remoteContacts[0]

	e.emit(Progress{CurrentItem: item, StepText: "compare"})

	submission := remote
	if item.DataBefore != nil {
		expectedHash, err := hashData(*item.DataBefore)
		if err == nil {
			remoteHash, err := hashData(remote.Data)
			if err == nil && remoteHash != expectedHash {
				e.log.Warn().Str("contactID", item.ContactID).Msg("remote hash diverged from expected data_before, merging by remote etag")
			}
		}
	}
	if item.DataAfter != nil {
		submission.Data = *item.DataAfter
	}
	submission.Metadata.Etag = remote.Metadata.Etag

	e.emit(Progress{CurrentItem: item, StepText: "submit"})

	updated, err := e.client.ContactsUpdate(ctx, submission)
	if err != nil {
		return err
	}

	if _, err := e.store.SaveContact(contact.Contact{ID: updated.ID, Data: updated.Data, Metadata: updated.Metadata}, contact.SourceAPI, item.ImportSessionID, true); err != nil {
		return err
	}
	return nil
}

// DetectConflicts surveys every approved item against the remote state
// without mutating any row.
func (e *Engine) DetectConflicts(ctx context.Context) ([]Conflict, error) {
	items, err := e.queue.Approved()
	if err != nil {
		return nil, err
	}

	var conflicts []Conflict
	for _, item := range items {
		remoteContacts, err := e.client.ContactsGet(ctx, []string{item.ContactID})
		if err != nil {
			conflicts = append(conflicts, Conflict{ItemID: item.ID, ContactID: item.ContactID, Kind: ConflictAPIError, Detail: err.Error()})
			continue
		}
		if len(remoteContacts) == 0 {
			conflicts = append(conflicts, Conflict{ItemID: item.ID, ContactID: item.ContactID, Kind: ConflictNotFound})
			continue
		}

		remoteHash, err := hashData(remoteContacts[0].Data)
		if err != nil {
			conflicts = append(conflicts, Conflict{ItemID: item.ID, ContactID: item.ContactID, Kind: ConflictAPIError, Detail: err.Error()})
			continue
		}
		if remoteHash != item.DataHashAfter {
			conflicts = append(conflicts, Conflict{ItemID: item.ID, ContactID: item.ContactID, Kind: ConflictHashMismatch})
		}
	}
	return conflicts, nil
}

func hashData(d contact.Data) (string, error) {
	return contacthash.Hash(d)
}

// ResumeFailed transitions every failed item back to approved and drains.
func (e *Engine) ResumeFailed(ctx context.Context) (*Result, error) {
	if _, err := e.queue.ResumeFailed(); err != nil {
		return nil, err
	}
	return e.SyncApproved(ctx)
}
