// Package oauth2 loads the OAuth client credentials used by the PKCE
// authorization-code flow against the remote contacts API. The flow
// itself (browser round-trip, code exchange, refresh) is an external
// collaborator per spec §6 — this package only resolves the client ID
// and secret the flow needs, the same way the teacher's shim-based
// loader does for its mail providers.
package oauth2

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X 'github.com/kestrelsync/contactsync/internal/oauth2.ClientID=xxx'"
//
// If ldflags are not set, credentials are loaded from the
// contactsync-creds shim binary.
var (
	// ClientID is the OAuth2 client ID for the remote contacts API.
	ClientID string

	// ClientSecret is the OAuth2 client secret for the remote contacts API.
	ClientSecret string
)

func init() {
	if ClientID != "" {
		return
	}
	loadFromShim()
}

func loadFromShim() {
	paths := []string{
		"/app/lib/contactsync/contactsync-creds", // Flatpak
	}

	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "contactsync-creds"))
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		out, err := exec.Command(p).Output()
		if err != nil {
			continue
		}
		var creds map[string]string
		if err := json.Unmarshal(out, &creds); err != nil {
			continue
		}
		ClientID = creds["client_id"]
		ClientSecret = creds["client_secret"]
		return
	}
}

// IsConfigured returns true if OAuth client credentials are available.
func IsConfigured() bool {
	return ClientID != ""
}
