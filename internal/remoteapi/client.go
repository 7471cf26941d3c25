// Package remoteapi implements the outbound contacts HTTP client (spec
// §6): a bearer-authenticated JSON API the engine drains against. Config
// (readonly mode, fixture path) is read once at construction per spec
// §9's "global state for env flags" design note — never re-read inside
// hot paths.
package remoteapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelsync/contactsync/internal/contact"
	"github.com/kestrelsync/contactsync/internal/contacterr"
	"github.com/kestrelsync/contactsync/internal/future"
	"github.com/kestrelsync/contactsync/internal/logging"
)

// TokenRefresher exchanges a stored refresh token for a new bearer token.
// Implemented by the token module (out of scope per spec §6); the client
// only calls it, exactly once per 401, and coalesces concurrent refresh
// attempts via a shared future.
type TokenRefresher interface {
	Refresh(ctx context.Context) (bearerToken string, err error)
}

// TokenClearer drops stored tokens once they're confirmed unusable: a
// 401 that survives a refresh-and-retry means the refreshed token itself
// was rejected, so holding onto it only invites the same failure on the
// next call (spec §6/§7: "a second failure clears tokens and surfaces
// Auth"). Implemented by the credentials module; optional, like
// TokenRefresher.
type TokenClearer interface {
	Clear(ctx context.Context) error
}

// AccountInfo is the shape returned by account.get.
type AccountInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Client is the remote API surface the sync engine drains against.
type Client interface {
	AccountGet(ctx context.Context) (AccountInfo, error)
	ContactsScroll(ctx context.Context, size int, cursor string) ([]contact.Contact, string, error)
	ContactsSearch(ctx context.Context, query string) ([]contact.Contact, error)
	ContactsGet(ctx context.Context, contactIDs []string) ([]contact.Contact, error)
	ContactsCreate(ctx context.Context, c contact.Contact) (contact.Contact, error)
	ContactsUpdate(ctx context.Context, c contact.Contact) (contact.Contact, error)
}

// Config is read once at construction and never re-read inside a hot
// path (spec §9).
type Config struct {
	BaseURL          string
	BearerToken      string
	ReadonlyMode     bool
	ContactsJSONFile string
	RequestTimeout   time.Duration
}

// New returns a FixtureClient when ContactsJSONFile is set, otherwise an
// HTTPClient — the fixture/readonly selection point is construction-time
// only, matching §9.
func New(cfg Config) (Client, error) {
	if cfg.ContactsJSONFile != "" {
		return NewFixtureClient(cfg.ContactsJSONFile)
	}
	return NewHTTPClient(cfg), nil
}

// HTTPClient is the live bearer-JSON implementation.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
	log        zerolog.Logger

	mu        sync.RWMutex
	token     string
	refresher TokenRefresher
	clearer   TokenClearer
	refreshes *future.Coalescer[string]
}

// NewHTTPClient constructs an HTTPClient bound to cfg.
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg:        cfg,
		token:      cfg.BearerToken,
		httpClient: &http.Client{Timeout: timeout},
		log:        logging.WithComponent("remote-api"),
		refreshes:  future.NewCoalescer[string](),
	}
}

// SetTokenRefresher installs the collaborator used to obtain a new bearer
// token after a 401. Optional — without one, a 401 simply fails as Auth.
func (c *HTTPClient) SetTokenRefresher(r TokenRefresher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresher = r
}

// SetTokenClearer installs the collaborator used to drop stored tokens
// once a refreshed token is itself rejected. Optional — without one, a
// second 401 still fails as Auth but leaves the rejected token in place.
func (c *HTTPClient) SetTokenClearer(tc TokenClearer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearer = tc
}

func (c *HTTPClient) currentClearer() TokenClearer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clearer
}

func (c *HTTPClient) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// refresh obtains a new bearer token, coalescing concurrent callers onto
// one shared in-flight refresh (spec §9's futures-over-coroutines note).
func (c *HTTPClient) refresh(ctx context.Context) (string, error) {
	c.mu.RLock()
	r := c.refresher
	c.mu.RUnlock()
	if r == nil {
		return "", contacterr.New(contacterr.Auth, "remoteapi.refresh", fmt.Errorf("no token refresher configured"))
	}

	f := c.refreshes.Do(ctx, "refresh", func(ctx context.Context) (string, error) {
		return r.Refresh(ctx)
	})
	token, err := f.Wait(ctx)
	if err != nil {
		return "", contacterr.New(contacterr.Auth, "remoteapi.refresh", err)
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

type contactsScrollRequest struct {
	Size         int    `json:"size,omitempty"`
	ScrollCursor string `json:"scrollCursor,omitempty"`
}

type contactsScrollResponse struct {
	Contacts []contact.Contact `json:"contacts"`
	Cursor   string            `json:"cursor,omitempty"`
}

type accountGetResponse struct {
	Account AccountInfo `json:"account"`
}

type contactsSearchRequest struct {
	SearchQuery string `json:"searchQuery"`
}

type contactsSearchResponse struct {
	Contacts []contact.Contact `json:"contacts"`
}

type contactsGetRequest struct {
	ContactIDs []string `json:"contactIds"`
}

type contactsGetResponse struct {
	Contacts []contact.Contact `json:"contacts"`
}

type contactEnvelope struct {
	Contact contact.Contact `json:"contact"`
}

// post performs one POST attempt and reports whether the response was a
// 401, so the caller can decide whether a refresh-and-retry applies.
func (c *HTTPClient) post(ctx context.Context, path string, body, out any, token string) (unauthorized bool, err error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return false, contacterr.New(contacterr.Validation, "remoteapi.post", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return false, contacterr.New(contacterr.IO, "remoteapi.post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, contacterr.New(contacterr.Remote, "remoteapi.post "+path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, contacterr.New(contacterr.Remote, "remoteapi.post "+path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return true, contacterr.New(contacterr.Auth, "remoteapi.post "+path, fmt.Errorf("401 unauthorized"))
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, contacterr.New(contacterr.NotFound, "remoteapi.post "+path, fmt.Errorf("404 not found"))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, contacterr.New(contacterr.Remote, "remoteapi.post "+path, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}

	if out == nil {
		return false, nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return false, contacterr.New(contacterr.Remote, "remoteapi.post "+path, fmt.Errorf("decoding response: %w", err))
	}
	return false, nil
}

// doWithRefresh retries exactly once on a 401, after a single coalesced
// token refresh (spec §6: "second 401 fails the call and clears stored
// tokens"). A 401 on the retry itself is returned as-is.
func (c *HTTPClient) doWithRefresh(ctx context.Context, path string, body, out any) error {
	unauthorized, err := c.post(ctx, path, body, out, c.currentToken())
	if !unauthorized {
		return err
	}

	newToken, refreshErr := c.refresh(ctx)
	if refreshErr != nil {
		return err
	}

	stillUnauthorized, err := c.post(ctx, path, body, out, newToken)
	if stillUnauthorized {
		if clearer := c.currentClearer(); clearer != nil {
			if clearErr := clearer.Clear(ctx); clearErr != nil {
				c.log.Warn().Err(clearErr).Msg("failed to clear tokens after second 401")
			}
		}
	}
	return err
}

func (c *HTTPClient) AccountGet(ctx context.Context) (AccountInfo, error) {
	var out accountGetResponse
	if err := c.doWithRefresh(ctx, "/api/v1/account.get", struct{}{}, &out); err != nil {
		return AccountInfo{}, err
	}
	return out.Account, nil
}

func (c *HTTPClient) ContactsScroll(ctx context.Context, size int, cursor string) ([]contact.Contact, string, error) {
	var out contactsScrollResponse
	req := contactsScrollRequest{Size: size, ScrollCursor: cursor}
	if err := c.doWithRefresh(ctx, "/api/v1/contacts.scroll", req, &out); err != nil {
		return nil, "", err
	}
	return out.Contacts, out.Cursor, nil
}

func (c *HTTPClient) ContactsSearch(ctx context.Context, query string) ([]contact.Contact, error) {
	var out contactsSearchResponse
	if err := c.doWithRefresh(ctx, "/api/v1/contacts.search", contactsSearchRequest{SearchQuery: query}, &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

func (c *HTTPClient) ContactsGet(ctx context.Context, contactIDs []string) ([]contact.Contact, error) {
	var out contactsGetResponse
	if err := c.doWithRefresh(ctx, "/api/v1/contacts.get", contactsGetRequest{ContactIDs: contactIDs}, &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

func (c *HTTPClient) ContactsCreate(ctx context.Context, contactIn contact.Contact) (contact.Contact, error) {
	// Readonly mode sends no mutation and echoes the input back.
	if c.cfg.ReadonlyMode {
		return contactIn, nil
	}
	var out contactEnvelope
	if err := c.doWithRefresh(ctx, "/api/v1/contacts.create", contactEnvelope{Contact: contactIn}, &out); err != nil {
		return contact.Contact{}, err
	}
	return out.Contact, nil
}

func (c *HTTPClient) ContactsUpdate(ctx context.Context, contactIn contact.Contact) (contact.Contact, error) {
	if c.cfg.ReadonlyMode {
		return contactIn, nil
	}
	var out contactEnvelope
	if err := c.doWithRefresh(ctx, "/api/v1/contacts.update", contactEnvelope{Contact: contactIn}, &out); err != nil {
		return contact.Contact{}, err
	}
	return out.Contact, nil
}
