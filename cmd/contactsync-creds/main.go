// contactsync-creds outputs OAuth credentials as JSON.
// Built with ldflags in CI, shipped alongside the packaged build so the
// main binary can read credentials at runtime without embedding them in
// source.
//
// Build:
//
//	go build -ldflags "-X 'main.ClientID=...' -X 'main.ClientSecret=...'" -o contactsync-creds
package main

import (
	"encoding/json"
	"fmt"
	"os"
)

var (
	ClientID     string
	ClientSecret string
)

func main() {
	creds := map[string]string{
		"client_id":     ClientID,
		"client_secret": ClientSecret,
	}
	data, err := json.Marshal(creds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal credentials: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(data))
}
