package csvimport

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-vcard"

	"github.com/kestrelsync/contactsync/internal/contact"
	"github.com/kestrelsync/contactsync/internal/contacthash"
)

// ParseVCard reads one or more vCards from data and maps each into a
// ParsedContact the same way a CSV row is mapped, including a row hash
// over name, email and phone. It only parses: Analyze reads CSV, so
// parsed vCards are not opened as an import session, checked against
// csv_row_hashes, or classified by a Matcher.
func ParseVCard(data []byte) ([]ParsedContact, error) {
	dec := vcard.NewDecoder(bytes.NewReader(data))

	var out []ParsedContact
	for {
		card, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding vcard: %w", err)
		}

		d := vcardToData(card)
		rowHash, err := contacthash.HashRow(map[string]string{
			"name":  card.Value(vcard.FieldFormattedName),
			"email": card.Value(vcard.FieldEmail),
			"phone": card.Value(vcard.FieldTelephone),
		})
		if err != nil {
			return nil, fmt.Errorf("hashing vcard row: %w", err)
		}
		out = append(out, ParsedContact{RowHash: rowHash, Data: d})
	}
	return out, nil
}

// vcardNameParts splits the RFC 6350 structured N property
// (family;given;additional;prefixes;suffixes) into a contact.Name.
func vcardNameParts(raw string) *contact.Name {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	for len(parts) < 5 {
		parts = append(parts, "")
	}
	n := contact.Name{Family: parts[0], Given: parts[1], Middle: parts[2], Prefix: parts[3], Suffix: parts[4]}
	if n.IsZero() {
		return nil
	}
	return &n
}

func vcardToData(card vcard.Card) contact.Data {
	var d contact.Data

	d.Name = vcardNameParts(card.Value(vcard.FieldName))

	for _, f := range card[vcard.FieldEmail] {
		d.Emails = append(d.Emails, contact.Email{Value: f.Value, Type: paramType(f)})
	}
	for _, f := range card[vcard.FieldTelephone] {
		d.Phones = append(d.Phones, contact.Phone{Value: f.Value, Type: paramType(f)})
	}
	for _, f := range card[vcard.FieldOrganization] {
		d.Organizations = append(d.Organizations, contact.Organization{Name: f.Value})
	}
	for _, f := range card[vcard.FieldURL] {
		d.URLs = append(d.URLs, contact.URL{Value: f.Value, Type: paramType(f)})
	}
	d.Notes = card.Value(vcard.FieldNote)

	return d
}

func paramType(f *vcard.Field) string {
	if f == nil || f.Params == nil {
		return ""
	}
	return f.Params.Get("TYPE")
}
