package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kalintou/railgun-app-jp/chain"
	"github.com/kalintou/railgun-app-jp/engine"
	"github.com/kalintou/railgun-app-jp/localstore"
	"github.com/kalintou/railgun-app-jp/session"
	"github.com/kalintou/railgun-app-jp/vault"
	"github.com/kalintou/railgun-app-jp/wallet"
)

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	// Load configuration and parse command line.
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Show version at startup.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	setLogLevels(cfg.DebugLevel)
	log.Infof("Version %s", version())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signerKey := os.Getenv(cfg.SignerKeyEnv)
	if signerKey == "" {
		err := fmt.Errorf("no signing key found in environment "+
			"variable %s", cfg.SignerKeyEnv)
		log.Error(err)
		return err
	}

	db, err := localstore.Open(cfg.DBPath)
	if err != nil {
		log.Errorf("Failed to open wallet database at %s: %v", cfg.DBPath, err)
		return err
	}
	defer db.Close()

	vlt := vault.New(db)
	defer vlt.Lock()

	// Establish the encryption credential before anything reaches the
	// backend or the chain.
	if err := setupCredential(cfg, vlt); err != nil {
		if err == errNoWallet {
			fmt.Fprintln(os.Stderr, err)
			return err
		}
		log.Errorf("Failed to establish wallet credential: %v", err)
		return err
	}

	backend := engine.NewWSClient(engine.WSConfig{
		Host: cfg.BackendHost,
		Path: cfg.BackendPath,
	})
	if err := backend.Start(); err != nil {
		log.Errorf("Failed to connect to proving backend at %s: %v",
			cfg.BackendHost, err)
		return err
	}
	defer backend.WaitForShutdown()
	defer backend.Stop()

	chainClient, err := chain.NewEthClient(ctx, cfg.ChainRPC, signerKey)
	if err != nil {
		log.Errorf("Failed to connect to chain RPC at %s: %v", cfg.ChainRPC, err)
		return err
	}
	defer chainClient.Close()

	sessions := session.NewStore(db, vlt, backend)
	sess, err := openSession(ctx, sessions)
	if err != nil {
		log.Errorf("Failed to open wallet session: %v", err)
		return err
	}
	log.Infof("Wallet session %s active, shielded address %s",
		sess.ID, sess.ShieldedAddress)
	fmt.Println("Shielded address:", sess.ShieldedAddress)

	w := wallet.New(&wallet.Config{
		Vault:        vlt,
		Sessions:     sessions,
		Backend:      backend,
		Chain:        chainClient,
		PollInterval: cfg.PollInterval.Duration,
	})
	w.Start()
	w.StartPoller(ctx)
	defer w.WaitForShutdown()

	addInterruptHandler(func() {
		cancel()
		w.Stop()
	})

	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return nil
}
