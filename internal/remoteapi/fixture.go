package remoteapi

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/kestrelsync/contactsync/internal/contact"
	"github.com/kestrelsync/contactsync/internal/contacterr"
)

// FixtureClient serves contacts from a local JSON file instead of calling
// the remote API, per the CONTACTS_JSON_FILE env contract (spec §6/§9).
// Creates and updates are applied in memory and persisted back to the
// fixture file so repeated runs observe prior mutations.
type FixtureClient struct {
	path string

	mu       sync.Mutex
	contacts []contact.Contact
}

type fixtureFile struct {
	Account  AccountInfo       `json:"account"`
	Contacts []contact.Contact `json:"contacts"`
}

// NewFixtureClient loads contacts from path.
func NewFixtureClient(path string) (*FixtureClient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, contacterr.New(contacterr.IO, "remoteapi.NewFixtureClient", err)
	}

	var f fixtureFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, contacterr.New(contacterr.IO, "remoteapi.NewFixtureClient", fmt.Errorf("parsing fixture: %w", err))
	}

	return &FixtureClient{path: path, contacts: f.Contacts}, nil
}

func (c *FixtureClient) AccountGet(ctx context.Context) (AccountInfo, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return AccountInfo{}, contacterr.New(contacterr.IO, "remoteapi.AccountGet", err)
	}
	var f fixtureFile
	if err := json.Unmarshal(data, &f); err != nil {
		return AccountInfo{}, contacterr.New(contacterr.IO, "remoteapi.AccountGet", err)
	}
	return f.Account, nil
}

// ContactsScroll ignores pagination and returns the whole fixture set on
// the first call, an empty cursor signalling completion.
func (c *FixtureClient) ContactsScroll(ctx context.Context, size int, cursor string) ([]contact.Contact, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cursor != "" {
		return nil, "", nil
	}
	return append([]contact.Contact(nil), c.contacts...), "", nil
}

func (c *FixtureClient) ContactsSearch(ctx context.Context, query string) ([]contact.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []contact.Contact
	for _, ct := range c.contacts {
		if query == "" {
			out = append(out, ct)
			continue
		}
		if ct.Data.Name != nil && (ct.Data.Name.Given == query || ct.Data.Name.Family == query) {
			out = append(out, ct)
		}
	}
	return out, nil
}

func (c *FixtureClient) ContactsGet(ctx context.Context, contactIDs []string) ([]contact.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wanted := make(map[string]bool, len(contactIDs))
	for _, id := range contactIDs {
		wanted[id] = true
	}
	var out []contact.Contact
	for _, ct := range c.contacts {
		if wanted[ct.ID] {
			out = append(out, ct)
		}
	}
	return out, nil
}

func (c *FixtureClient) ContactsCreate(ctx context.Context, in contact.Contact) (contact.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contacts = append(c.contacts, in)
	c.persistLocked()
	return in, nil
}

func (c *FixtureClient) ContactsUpdate(ctx context.Context, in contact.Contact) (contact.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ct := range c.contacts {
		if ct.ID == in.ID {
			c.contacts[i] = in
			c.persistLocked()
			return in, nil
		}
	}
	return contact.Contact{}, contacterr.New(contacterr.NotFound, "remoteapi.ContactsUpdate", fmt.Errorf("contact %s not found in fixture", in.ID))
}

// persistLocked writes the current in-memory contact set back to the
// fixture file. Caller must hold c.mu.
func (c *FixtureClient) persistLocked() {
	data, err := os.ReadFile(c.path)
	var account AccountInfo
	if err == nil {
		var f fixtureFile
		if json.Unmarshal(data, &f) == nil {
			account = f.Account
		}
	}

	out, err := json.MarshalIndent(fixtureFile{Account: account, Contacts: c.contacts}, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(c.path, out, 0644)
}
