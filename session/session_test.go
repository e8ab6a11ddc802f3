package session

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/kalintou/railgun-app-jp/engine"
	"github.com/kalintou/railgun-app-jp/localstore"
	"github.com/kalintou/railgun-app-jp/vault"
)

// fakeBackend implements engine.Backend with per-call hooks for the subset
// of methods the session store uses.
type fakeBackend struct {
	loadWallet   func(key []byte, walletID string) (*engine.WalletInfo, error)
	createWallet func(key []byte, mnemonic string, heights map[string]uint64) (*engine.WalletInfo, error)
	viewingKey   func(walletID string) (string, error)
	createCalls  int
	loadCalls    int
}

func (b *fakeBackend) Start() error                      { return nil }
func (b *fakeBackend) Stop()                             {}
func (b *fakeBackend) WaitForShutdown()                  {}
func (b *fakeBackend) Notifications() <-chan interface{} { return nil }

func (b *fakeBackend) NetworkParams(ctx context.Context) (*engine.NetworkParams, error) {
	return &engine.NetworkParams{
		Name:             "Ethereum_Sepolia",
		ProxyContract:    "0x0000000000000000000000000000000000000001",
		DeploymentHeight: 3231111,
	}, nil
}

func (b *fakeBackend) CreateWallet(ctx context.Context, key []byte, mnemonic string,
	heights map[string]uint64) (*engine.WalletInfo, error) {
	b.createCalls++
	return b.createWallet(key, mnemonic, heights)
}

func (b *fakeBackend) LoadWallet(ctx context.Context, key []byte, walletID string) (*engine.WalletInfo, error) {
	b.loadCalls++
	return b.loadWallet(key, walletID)
}

func (b *fakeBackend) ShareableViewingKey(ctx context.Context, walletID string) (string, error) {
	return b.viewingKey(walletID)
}

func (b *fakeBackend) EstimateGas(ctx context.Context, kind engine.OperationKind, walletID string,
	key []byte, recipients []engine.ERC20Recipient, gas *engine.GasDetails) (uint64, error) {
	return 0, errors.New("not implemented")
}

func (b *fakeBackend) GenerateProof(ctx context.Context, kind engine.OperationKind, walletID string,
	key []byte, recipients []engine.ERC20Recipient, price *big.Int, progress engine.ProgressFunc) error {
	return errors.New("not implemented")
}

func (b *fakeBackend) PopulateTransaction(ctx context.Context, kind engine.OperationKind,
	walletID string, recipients []engine.ERC20Recipient, price *big.Int,
	gas *engine.GasDetails) (*engine.PopulatedTransaction, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBackend) RefreshBalances(ctx context.Context, walletIDs []string) error {
	return errors.New("not implemented")
}

func testMnemonic() (string, error) {
	return "test test test test test test test test test test test junk", nil
}

func testStore(t *testing.T, backend engine.Backend, unlock bool) (*Store, *localstore.DB) {
	t.Helper()
	db, err := localstore.Open(filepath.Join(t.TempDir(), "wallet.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	vlt := vault.NewWithParams(db, vault.FastKDFParams)
	if unlock {
		if _, err := vlt.SetupFromPassword([]byte("hunter2")); err != nil {
			t.Fatalf("vault setup: %v", err)
		}
	}
	return NewStore(db, vlt, backend), db
}

func TestCreateOrLoadRequiresCredential(t *testing.T) {
	backend := &fakeBackend{}
	store, _ := testStore(t, backend, false)

	_, err := store.CreateOrLoad(context.Background(), testMnemonic)
	if !IsError(err, ErrNoCredential) {
		t.Fatalf("CreateOrLoad with locked vault error = %v, want ErrNoCredential", err)
	}
	if backend.createCalls+backend.loadCalls != 0 {
		t.Fatal("backend was called with a locked vault")
	}
}

func TestCreateOrLoadCreatesWhenNoStoredID(t *testing.T) {
	backend := &fakeBackend{
		createWallet: func(key []byte, mnemonic string, heights map[string]uint64) (*engine.WalletInfo, error) {
			if len(key) != vault.KeySize {
				t.Errorf("create received %d byte key", len(key))
			}
			if heights["Ethereum_Sepolia"] != 3231111 {
				t.Errorf("create received heights %v", heights)
			}
			return &engine.WalletInfo{ID: "wallet-1", ShieldedAddress: "0zk1abc"}, nil
		},
	}
	store, db := testStore(t, backend, true)

	sess, err := store.CreateOrLoad(context.Background(), testMnemonic)
	if err != nil {
		t.Fatalf("CreateOrLoad: %v", err)
	}
	if sess.ID != "wallet-1" || sess.ShieldedAddress != "0zk1abc" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if backend.createCalls != 1 {
		t.Fatalf("createCalls = %d, want 1", backend.createCalls)
	}
	if id, _ := db.SessionID(); id != "wallet-1" {
		t.Fatalf("persisted session id = %q, want wallet-1", id)
	}
	if active, ok := store.Active(); !ok || active.ID != "wallet-1" {
		t.Fatal("session not active after create")
	}
}

func TestCreateOrLoadPrefersStoredID(t *testing.T) {
	backend := &fakeBackend{
		loadWallet: func(key []byte, walletID string) (*engine.WalletInfo, error) {
			return &engine.WalletInfo{ID: walletID, ShieldedAddress: "0zk1loaded"}, nil
		},
	}
	store, db := testStore(t, backend, true)
	if err := db.PutSessionID("wallet-7"); err != nil {
		t.Fatalf("PutSessionID: %v", err)
	}

	sess, err := store.CreateOrLoad(context.Background(), testMnemonic)
	if err != nil {
		t.Fatalf("CreateOrLoad: %v", err)
	}
	if sess.ID != "wallet-7" {
		t.Fatalf("loaded session id = %q, want wallet-7", sess.ID)
	}
	if backend.createCalls != 0 {
		t.Fatal("create was called despite a loadable stored session")
	}
}

func TestCreateOrLoadFallsBackOnLoadFailure(t *testing.T) {
	backend := &fakeBackend{
		loadWallet: func(key []byte, walletID string) (*engine.WalletInfo, error) {
			return nil, errors.New("could not decrypt wallet")
		},
		createWallet: func(key []byte, mnemonic string, heights map[string]uint64) (*engine.WalletInfo, error) {
			return &engine.WalletInfo{ID: "wallet-new", ShieldedAddress: "0zk1new"}, nil
		},
	}
	store, db := testStore(t, backend, true)
	if err := db.PutSessionID("wallet-stale"); err != nil {
		t.Fatalf("PutSessionID: %v", err)
	}

	sess, err := store.CreateOrLoad(context.Background(), testMnemonic)
	if err != nil {
		t.Fatalf("CreateOrLoad: %v", err)
	}
	if sess.ID != "wallet-new" {
		t.Fatalf("session id = %q, want wallet-new", sess.ID)
	}
	if backend.loadCalls != 1 || backend.createCalls != 1 {
		t.Fatalf("loadCalls = %d, createCalls = %d, want 1 and 1",
			backend.loadCalls, backend.createCalls)
	}
	if id, _ := db.SessionID(); id != "wallet-new" {
		t.Fatalf("persisted session id = %q, want wallet-new", id)
	}
}

func TestExportViewingKey(t *testing.T) {
	backend := &fakeBackend{
		createWallet: func(key []byte, mnemonic string, heights map[string]uint64) (*engine.WalletInfo, error) {
			return &engine.WalletInfo{ID: "wallet-1"}, nil
		},
		viewingKey: func(walletID string) (string, error) {
			return "vk-" + walletID, nil
		},
	}
	store, _ := testStore(t, backend, true)

	// No active session yet.
	if _, err := store.ExportViewingKey(context.Background()); !IsError(err, ErrNoSession) {
		t.Fatalf("export without session error = %v, want ErrNoSession", err)
	}

	if _, err := store.CreateOrLoad(context.Background(), testMnemonic); err != nil {
		t.Fatalf("CreateOrLoad: %v", err)
	}
	key, err := store.ExportViewingKey(context.Background())
	if err != nil {
		t.Fatalf("ExportViewingKey: %v", err)
	}
	if key != "vk-wallet-1" {
		t.Fatalf("viewing key = %q", key)
	}
}

func TestReset(t *testing.T) {
	backend := &fakeBackend{
		createWallet: func(key []byte, mnemonic string, heights map[string]uint64) (*engine.WalletInfo, error) {
			return &engine.WalletInfo{ID: "wallet-1"}, nil
		},
	}
	store, db := testStore(t, backend, true)
	if _, err := store.CreateOrLoad(context.Background(), testMnemonic); err != nil {
		t.Fatalf("CreateOrLoad: %v", err)
	}

	if err := store.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok := store.Active(); ok {
		t.Fatal("session still active after reset")
	}
	if id, _ := db.SessionID(); id != "" {
		t.Fatalf("session id still persisted after reset: %q", id)
	}
	if _, err := store.Load(context.Background()); !IsError(err, ErrNoStoredSession) {
		t.Fatalf("Load after reset error = %v, want ErrNoStoredSession", err)
	}
}
