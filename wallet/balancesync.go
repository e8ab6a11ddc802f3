package wallet

import (
	"context"

	"github.com/kalintou/railgun-app-jp/engine"
)

// ScanProgress is the wallet's normalized view of a backend merkle tree
// scan: a percentage in [0,100] plus the backend's status string.
type ScanProgress struct {
	PercentComplete float64
	Status          string
}

// ScanProgressHandler receives scan progress updates.
type ScanProgressHandler func(ScanProgress)

// BalanceHandler receives balance bucket updates after the wallet's cache
// has been refreshed.
type BalanceHandler func(engine.BalancesUpdated)

// SubscribeUTXOScan registers a handler for UTXO scan progress.  All
// registered handlers are invoked for every update, in registration order.
func (w *Wallet) SubscribeUTXOScan(h ScanProgressHandler) {
	w.ntfnMtx.Lock()
	w.utxoScanSubs = append(w.utxoScanSubs, h)
	w.ntfnMtx.Unlock()
}

// SubscribeTXIDScan registers a handler for TXID scan progress.
func (w *Wallet) SubscribeTXIDScan(h ScanProgressHandler) {
	w.ntfnMtx.Lock()
	w.txidScanSubs = append(w.txidScanSubs, h)
	w.ntfnMtx.Unlock()
}

// SubscribeBalances registers a handler for balance bucket updates.
func (w *Wallet) SubscribeBalances(h BalanceHandler) {
	w.ntfnMtx.Lock()
	w.balanceSubs = append(w.balanceSubs, h)
	w.ntfnMtx.Unlock()
}

// UTXOScanProgress returns the latest normalized UTXO scan progress.
func (w *Wallet) UTXOScanProgress() ScanProgress {
	w.ntfnMtx.Lock()
	defer w.ntfnMtx.Unlock()
	return w.utxoScan
}

// TXIDScanProgress returns the latest normalized TXID scan progress.
func (w *Wallet) TXIDScanProgress() ScanProgress {
	w.ntfnMtx.Lock()
	defer w.ntfnMtx.Unlock()
	return w.txidScan
}

// Balances returns the cached contents of one balance bucket.  The second
// return reports whether the bucket has been seen at all.
func (w *Wallet) Balances(bucket engine.BalanceBucket) (engine.BalancesUpdated, bool) {
	w.balanceMtx.RLock()
	defer w.balanceMtx.RUnlock()
	upd, ok := w.balances[bucket]
	return upd, ok
}

// Spendable returns the cached spendable bucket.
func (w *Wallet) Spendable() (engine.BalancesUpdated, bool) {
	return w.Balances(engine.BucketSpendable)
}

// handleEngineNotifications is the sole mutator of the balance cache and
// scan state.  It consumes the backend notification channel until the
// channel closes or the wallet shuts down.
func (w *Wallet) handleEngineNotifications() {
	defer w.wg.Done()

	ntfns := w.backend.Notifications()
	for {
		var n interface{}
		var ok bool
		select {
		case n, ok = <-ntfns:
			if !ok {
				log.Debug("Backend notification channel closed")
				return
			}
		case <-w.quitChan():
			return
		}

		switch n := n.(type) {
		case engine.ClientConnected:
			log.Info("Connected to proving backend")

		case engine.UTXOScanUpdate:
			p := ScanProgress{
				PercentComplete: normalizeProgress(n.Progress),
				Status:          n.Status,
			}
			w.ntfnMtx.Lock()
			w.utxoScan = p
			subs := w.utxoScanSubs
			w.ntfnMtx.Unlock()
			log.Debugf("UTXO scan %.1f%% (%s)", p.PercentComplete, p.Status)
			for _, h := range subs {
				h(p)
			}

		case engine.TXIDScanUpdate:
			p := ScanProgress{
				PercentComplete: normalizeProgress(n.Progress),
				Status:          n.Status,
			}
			w.ntfnMtx.Lock()
			w.txidScan = p
			subs := w.txidScanSubs
			w.ntfnMtx.Unlock()
			log.Debugf("TXID scan %.1f%% (%s)", p.PercentComplete, p.Status)
			for _, h := range subs {
				h(p)
			}

		case engine.BalancesUpdated:
			// Each event replaces the whole bucket.  Entries absent
			// from the event are gone, not merged.
			w.balanceMtx.Lock()
			w.balances[n.Bucket] = n
			w.balanceMtx.Unlock()

			w.ntfnMtx.Lock()
			subs := w.balanceSubs
			w.ntfnMtx.Unlock()
			log.Debugf("Balances updated: wallet %s bucket %s (%d tokens)",
				n.WalletID, n.Bucket, len(n.ERC20Amounts))
			for _, h := range subs {
				h(n)
			}

		default:
			log.Warnf("Received unexpected backend notification: %T", n)
		}
	}
}

// RefreshOnce triggers exactly one balance refresh request for the active
// session's wallet.  Backend errors are propagated without retry.  When no
// session is active the refresh is skipped without touching the backend.
func (w *Wallet) RefreshOnce(ctx context.Context) error {
	sess, ok := w.sessions.Active()
	if !ok {
		log.Debug("Skipping balance refresh, no active session")
		return nil
	}
	return w.backend.RefreshBalances(ctx, []string{sess.ID})
}

// pollCycle runs one poller refresh cycle.  A transient failure is retried
// exactly once, immediately; a second failure is logged and returned, and
// the next cycle is the next opportunity.
func (w *Wallet) pollCycle(ctx context.Context) error {
	err := w.RefreshOnce(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	log.Debugf("Balance refresh failed, retrying: %v", err)
	if err = w.RefreshOnce(ctx); err != nil {
		log.Errorf("Balance refresh failed twice: %v", err)
		return err
	}
	return nil
}

// RunPoller refreshes balances on a fixed interval until the context is
// canceled or the wallet shuts down.  It performs an initial refresh
// immediately, then waits out the interval between cycles.  Intended to be
// run as a goroutine.
func (w *Wallet) RunPoller(ctx context.Context) {
	defer w.wg.Done()

	log.Infof("Balance poller started, interval %v", w.pollInterval)
	for {
		// Errors are handled inside pollCycle; the poller itself never
		// gives up.
		_ = w.pollCycle(ctx)

		select {
		case <-w.clock.TickAfter(w.pollInterval):
		case <-ctx.Done():
			log.Debug("Balance poller canceled")
			return
		case <-w.quitChan():
			return
		}
	}
}

// StartPoller launches RunPoller under the wallet's wait group.
func (w *Wallet) StartPoller(ctx context.Context) {
	w.wg.Add(1)
	go w.RunPoller(ctx)
}
