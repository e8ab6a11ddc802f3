// Package wallet implements the client-side orchestrator for a shielded
// pool token wallet.  It drives the staged shield, private transfer, and
// unshield transaction pipelines against the proving backend and the public
// chain, and keeps a local view of shielded balances synchronized through
// backend scan and balance notifications plus a periodic refresh poller.
package wallet

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/kalintou/railgun-app-jp/chain"
	"github.com/kalintou/railgun-app-jp/engine"
	"github.com/kalintou/railgun-app-jp/session"
	"github.com/kalintou/railgun-app-jp/vault"
)

// defaultPollInterval is the wait between balance refresh cycles.
const defaultPollInterval = time.Minute

// Config contains the collaborators and settings for a Wallet.
type Config struct {
	Vault    *vault.Vault
	Sessions *session.Store
	Backend  engine.Backend
	Chain    chain.Interface

	// Clock drives the balance poller's interval waits.  Nil selects the
	// system clock; tests inject a mock.
	Clock clock.Clock

	// PollInterval overrides defaultPollInterval when non-zero.
	PollInterval time.Duration
}

// Wallet orchestrates the credential vault, session store, proving backend,
// and public chain client.
type Wallet struct {
	vault    *vault.Vault
	sessions *session.Store
	backend  engine.Backend
	chain    chain.Interface

	clock        clock.Clock
	pollInterval time.Duration

	// Balance and scan state, mutated only by the notification handler.
	ntfnMtx      sync.Mutex
	utxoScanSubs []ScanProgressHandler
	txidScanSubs []ScanProgressHandler
	balanceSubs  []BalanceHandler
	utxoScan     ScanProgress
	txidScan     ScanProgress

	balanceMtx sync.RWMutex
	balances   map[engine.BalanceBucket]engine.BalancesUpdated

	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

// New creates a wallet from the given configuration.
func New(cfg *Config) *Wallet {
	c := cfg.Clock
	if c == nil {
		c = clock.NewDefaultClock()
	}
	interval := cfg.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}
	return &Wallet{
		vault:        cfg.Vault,
		sessions:     cfg.Sessions,
		backend:      cfg.Backend,
		chain:        cfg.Chain,
		clock:        c,
		pollInterval: interval,
		balances:     make(map[engine.BalanceBucket]engine.BalancesUpdated),
		quit:         make(chan struct{}),
	}
}

// Start launches the wallet's background notification handler.
func (w *Wallet) Start() {
	w.wg.Add(1)
	go w.handleEngineNotifications()
}

// Stop signals all wallet goroutines to shut down.
func (w *Wallet) Stop() {
	w.quitOnce.Do(func() {
		close(w.quit)
	})
}

// WaitForShutdown blocks until all wallet goroutines have finished.
func (w *Wallet) WaitForShutdown() {
	w.wg.Wait()
}

// quitChan returns the wallet's shutdown channel.
func (w *Wallet) quitChan() <-chan struct{} {
	return w.quit
}
