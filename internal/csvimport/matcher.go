package csvimport

import (
	"github.com/kestrelsync/contactsync/internal/contact"
	"github.com/kestrelsync/contactsync/internal/contactstore"
)

// DefaultMatcher classifies a parsed row as a likely duplicate by looking
// up its first email, falling back to its first phone, with the store's
// substring Search (the first stored contact whose serialized data
// contains the value matches). This is
// one possible matching algorithm; spec §4.E treats the algorithm as
// external and only consumes {matched, new} — callers wanting fuzzier
// matching (name similarity, phonetic, etc.) supply their own Matcher.
type DefaultMatcher struct {
	store *contactstore.Store
}

// NewDefaultMatcher constructs the email/phone heuristic matcher.
func NewDefaultMatcher(store *contactstore.Store) *DefaultMatcher {
	return &DefaultMatcher{store: store}
}

func (m *DefaultMatcher) Classify(parsed []ParsedContact) ([]Match, []ParsedContact, error) {
	var matched []Match
	var fresh []ParsedContact

	for _, p := range parsed {
		existing, err := m.findExisting(p.Data)
		if err != nil {
			return nil, nil, err
		}
		if existing == nil {
			fresh = append(fresh, p)
			continue
		}
		matched = append(matched, Match{
			RowHash:           p.RowHash,
			Parsed:            p.Data,
			ExistingContactID: existing.ContactID,
			ExistingData:      existing.Data,
			MergedData:        mergeData(existing.Data, p.Data),
		})
	}
	return matched, fresh, nil
}

func (m *DefaultMatcher) findExisting(d contact.Data) (*contact.Stored, error) {
	if len(d.Emails) > 0 && d.Emails[0].Value != "" {
		results, err := m.store.Search(contactstore.Filter{Email: d.Emails[0].Value, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			return results[0], nil
		}
	}
	if len(d.Phones) > 0 && d.Phones[0].Value != "" {
		results, err := m.store.Search(contactstore.Filter{Phone: d.Phones[0].Value, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			return results[0], nil
		}
	}
	return nil, nil
}

// mergeData builds the proposed merged contact: the CSV row fills in any
// field (or, for name, sub-field) the stored contact lacks, but never
// overwrites a populated value (existing data wins on conflict, new data
// fills gaps).
func mergeData(existing, incoming contact.Data) contact.Data {
	merged := existing

	merged.Name = mergeName(existing.Name, incoming.Name)
	if len(merged.Emails) == 0 {
		merged.Emails = incoming.Emails
	}
	if len(merged.Phones) == 0 {
		merged.Phones = incoming.Phones
	}
	if len(merged.Organizations) == 0 {
		merged.Organizations = incoming.Organizations
	}
	if merged.Notes == "" {
		merged.Notes = incoming.Notes
	}
	return merged
}

func mergeName(existing, incoming *contact.Name) *contact.Name {
	if existing == nil {
		return incoming
	}
	if incoming == nil {
		return existing
	}
	n := *existing
	if n.Prefix == "" {
		n.Prefix = incoming.Prefix
	}
	if n.Given == "" {
		n.Given = incoming.Given
	}
	if n.Middle == "" {
		n.Middle = incoming.Middle
	}
	if n.Family == "" {
		n.Family = incoming.Family
	}
	if n.Suffix == "" {
		n.Suffix = incoming.Suffix
	}
	return &n
}
