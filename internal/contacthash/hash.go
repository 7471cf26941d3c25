// Package contacthash implements the deterministic content hash of spec
// §4.A: a pure function over a contact's data (or a CSV row) that is
// stable across trivial representation changes — whitespace, case,
// array order — and is the sole identity signal used for CSV dedup
// (§4.E) and conflict detection (§4.D).
package contacthash

import (
	"crypto/sha256"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/kestrelsync/contactsync/internal/contact"
)

var whitespaceRun = regexp.MustCompile(`\s+`)
var nonDigit = regexp.MustCompile(`\D+`)

// caseFolder does locale-independent Unicode case folding (spec §9 fixes
// case-folding as part of normalization but doesn't specify an
// implementation; plain strings.ToLower mishandles non-ASCII scripts and
// multi-byte case pairs, e.g. the German ß/SS pair or Turkish dotless ı).
var caseFolder = cases.Fold()

// trimLower trims surrounding whitespace, applies Unicode NFKC
// normalization (so visually-identical strings built from different
// combining-character sequences compare equal), and case-folds.
func trimLower(s string) string {
	return caseFolder.String(norm.NFKC.String(strings.TrimSpace(s)))
}

func trimOnly(s string) string {
	return strings.TrimSpace(s)
}

func collapseWhitespace(s string) string {
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
}

func digitsOnly(s string) string {
	return nonDigit.ReplaceAllString(s, "")
}

// stripWhitespace removes all whitespace but preserves case — used for
// postal codes. Spec §9 fixes this as whitespace-stripped, case-preserved
// (the source was inconsistent between stripping and lowercasing).
func stripWhitespace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// Normalize returns a copy of d with every normalization rule of spec §4.A
// applied: trimming, case-folding, phone digit reduction, empty-entry
// filtering, and deterministic sorting. Normalize is idempotent:
// Normalize(Normalize(d)) == Normalize(d).
func Normalize(d contact.Data) contact.Data {
	var out contact.Data

	if d.Name != nil {
		n := contact.Name{
			Prefix: trimLower(d.Name.Prefix),
			Given:  trimLower(d.Name.Given),
			Middle: trimLower(d.Name.Middle),
			Family: trimLower(d.Name.Family),
			Suffix: trimLower(d.Name.Suffix),
		}
		if !n.IsZero() {
			out.Name = &n
		}
	}

	for _, e := range d.Emails {
		v := trimLower(e.Value)
		if v == "" {
			continue
		}
		out.Emails = append(out.Emails, contact.Email{Value: v, Type: trimLower(e.Type)})
	}
	sort.SliceStable(out.Emails, func(i, j int) bool { return out.Emails[i].Value < out.Emails[j].Value })

	for _, p := range d.Phones {
		v := digitsOnly(p.Value)
		if v == "" {
			continue
		}
		out.Phones = append(out.Phones, contact.Phone{Value: v, Type: trimLower(p.Type)})
	}
	sort.SliceStable(out.Phones, func(i, j int) bool { return out.Phones[i].Value < out.Phones[j].Value })

	for _, o := range d.Organizations {
		org := contact.Organization{
			Name:       trimLower(o.Name),
			Title:      trimLower(o.Title),
			Department: trimLower(o.Department),
		}
		if org.Name == "" && org.Title == "" && org.Department == "" {
			continue
		}
		out.Organizations = append(out.Organizations, org)
	}
	sort.SliceStable(out.Organizations, func(i, j int) bool {
		return out.Organizations[i].Name < out.Organizations[j].Name
	})

	for _, a := range d.Addresses {
		addr := contact.Address{
			Street:     trimLower(a.Street),
			City:       trimLower(a.City),
			Region:     trimLower(a.Region),
			PostalCode: stripWhitespace(a.PostalCode),
			Country:    trimLower(a.Country),
			Type:       trimLower(a.Type),
		}
		if addr.Street == "" && addr.City == "" && addr.Region == "" && addr.PostalCode == "" && addr.Country == "" {
			continue
		}
		out.Addresses = append(out.Addresses, addr)
	}
	sort.SliceStable(out.Addresses, func(i, j int) bool {
		return addrKey(out.Addresses[i]) < addrKey(out.Addresses[j])
	})

	for _, u := range d.URLs {
		v := trimLower(u.Value)
		if v == "" {
			continue
		}
		out.URLs = append(out.URLs, contact.URL{Value: v, Type: trimLower(u.Type), Username: trimOnly(u.Username)})
	}
	sort.SliceStable(out.URLs, func(i, j int) bool { return out.URLs[i].Value < out.URLs[j].Value })

	for _, im := range d.IMs {
		v := trimLower(im.Value)
		if v == "" {
			continue
		}
		out.IMs = append(out.IMs, contact.IM{Value: v, Type: trimLower(im.Type)})
	}
	sort.SliceStable(out.IMs, func(i, j int) bool { return out.IMs[i].Value < out.IMs[j].Value })

	for _, r := range d.Relations {
		v := trimLower(r.Value)
		if v == "" {
			continue
		}
		out.Relations = append(out.Relations, contact.Relation{Value: v, Type: trimLower(r.Type)})
	}
	sort.SliceStable(out.Relations, func(i, j int) bool { return out.Relations[i].Value < out.Relations[j].Value })

	for _, e := range d.Events {
		date := trimOnly(e.Date)
		if date == "" {
			continue
		}
		out.Events = append(out.Events, contact.Event{Date: date, Type: trimLower(e.Type)})
	}
	sort.SliceStable(out.Events, func(i, j int) bool { return out.Events[i].Date < out.Events[j].Date })

	if d.Birthday != nil && !d.Birthday.IsZero() {
		b := *d.Birthday
		out.Birthday = &b
	}

	out.Notes = collapseWhitespace(d.Notes)

	for _, it := range d.Items {
		k := trimLower(it.Key)
		if k == "" {
			continue
		}
		out.Items = append(out.Items, contact.Item{Key: k, Value: trimOnly(it.Value)})
	}
	sort.SliceStable(out.Items, func(i, j int) bool { return out.Items[i].Key < out.Items[j].Key })

	return out
}

func addrKey(a contact.Address) string {
	return a.Street + "|" + a.City
}

// canonicalJSON marshals v through a map[string]any round-trip so that
// every nesting level is re-serialized with ascending (alphabetical) keys
// — Go's encoding/json sorts map[string]X keys on Marshal, which is what
// gives us the spec's "keys emitted in ascending order" requirement
// without a third-party canonical-JSON library.
func canonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Hash returns the lowercase hex SHA-256 of the normalized canonical JSON
// form of a contact's data (spec §4.A, "data_hash").
func Hash(d contact.Data) (string, error) {
	normalized := Normalize(d)
	canonical, err := canonicalJSON(normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hexEncode(sum[:]), nil
}

// MustHash is like Hash but panics on marshal failure; Data always
// marshals cleanly since every field is a plain value type, so this is
// safe to use in call sites that already treat marshal errors as
// programmer error (mirrors the teacher's own use of MustX helpers
// sparingly, only where failure is structurally impossible).
func MustHash(d contact.Data) string {
	h, err := Hash(d)
	if err != nil {
		panic(err)
	}
	return h
}

// HashRow hashes a CSV row map by trimming values, dropping empties, and
// sorting keys ascending before serializing (spec §4.A, H_row).
func HashRow(row map[string]string) (string, error) {
	keys := make([]string, 0, len(row))
	normalized := make(map[string]string, len(row))
	for k, v := range row {
		tv := trimOnly(v)
		if tv == "" {
			continue
		}
		normalized[k] = tv
	}
	for k := range normalized {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]string, len(keys))
	for _, k := range keys {
		ordered[k] = normalized[k]
	}

	canonical, err := canonicalJSON(ordered)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hexEncode(sum[:]), nil
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}
