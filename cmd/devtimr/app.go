package main

import (
	"fmt"
	"log"
	"os"

	"github.com/ChemicalGhost/dev-timr/internal/auth"
	"github.com/ChemicalGhost/dev-timr/internal/config"
	"github.com/ChemicalGhost/dev-timr/internal/ledger"
	"github.com/ChemicalGhost/dev-timr/internal/logging"
	"github.com/ChemicalGhost/dev-timr/internal/queue"
	"github.com/ChemicalGhost/dev-timr/internal/remote"
	"github.com/ChemicalGhost/dev-timr/internal/securestore"
)

// app wires the long-lived components every command needs: config,
// the at-rest encryption store, the service client, the credential
// manager, and the offline queue. The per-repository ledger is opened
// separately because it depends on the working directory.
type app struct {
	cfg    *config.Config
	store  *securestore.Store
	client *remote.Client
	creds  *auth.Manager
	queue  *queue.Queue
	logger *log.Logger
}

// newApp builds the shared component graph. Every command goes through
// here so credential and queue handling stay consistent.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New("devtimr", cfg.LogFile)
	store := securestore.New(logging.New("securestore", cfg.LogFile))
	client := remote.New(cfg.APIBaseURL, logging.New("remote", cfg.LogFile))

	credPath, err := config.CredentialPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential path: %w", err)
	}

	queuePath, err := config.QueuePath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve queue path: %w", err)
	}

	return &app{
		cfg:    cfg,
		store:  store,
		client: client,
		creds:  auth.NewManager(credPath, store, client, logging.New("auth", cfg.LogFile)),
		queue:  queue.New(queuePath, store, logging.New("queue", cfg.LogFile)),
		logger: logger,
	}, nil
}

// openLedger opens the ledger for the repository containing the
// current working directory.
func (a *app) openLedger() (*ledger.Ledger, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	path, err := config.LedgerPath(cwd)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ledger path: %w", err)
	}

	return ledger.New(path, a.store, logging.New("ledger", a.cfg.LogFile)), nil
}

// deliverer builds the queue deliverer bound to the current session
// token. The token is read per delivery so a background refresh
// mid-drain is picked up.
func (a *app) deliverer() *queue.RemoteDeliverer {
	return &queue.RemoteDeliverer{
		Client: a.client,
		Token:  a.creds.SessionToken,
	}
}
