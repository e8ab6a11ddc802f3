package vault

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/kalintou/railgun-app-jp/localstore"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	db, err := localstore.Open(filepath.Join(t.TempDir(), "wallet.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithParams(db, FastKDFParams)
}

func TestSetupAndUnlock(t *testing.T) {
	v := testVault(t)
	password := []byte("correct horse battery staple")

	if has, err := v.HasStoredPassword(); err != nil || has {
		t.Fatalf("HasStoredPassword before setup = %v, %v", has, err)
	}
	if _, ok := v.CurrentCredential(); ok {
		t.Fatal("credential active before setup")
	}

	setupCred, err := v.SetupFromPassword(password)
	if err != nil {
		t.Fatalf("SetupFromPassword: %v", err)
	}
	if setupCred == (Credential{}) {
		t.Fatal("setup returned a zero credential")
	}
	if has, err := v.HasStoredPassword(); err != nil || !has {
		t.Fatalf("HasStoredPassword after setup = %v, %v", has, err)
	}

	// Re-deriving with the same passphrase and stored salt must yield the
	// identical credential, repeatably.
	for i := 0; i < 2; i++ {
		unlockCred, err := v.UnlockFromPassword(password)
		if err != nil {
			t.Fatalf("UnlockFromPassword attempt %d: %v", i, err)
		}
		if !bytes.Equal(unlockCred[:], setupCred[:]) {
			t.Fatalf("unlock %d derived a different credential", i)
		}
	}

	cur, ok := v.CurrentCredential()
	if !ok || !bytes.Equal(cur[:], setupCred[:]) {
		t.Fatal("CurrentCredential does not match derived credential")
	}
}

func TestUnlockWrongPassphrase(t *testing.T) {
	v := testVault(t)
	if _, err := v.SetupFromPassword([]byte("hunter2")); err != nil {
		t.Fatalf("SetupFromPassword: %v", err)
	}

	_, err := v.UnlockFromPassword([]byte("hunter3"))
	if !IsError(err, ErrWrongPassphrase) {
		t.Fatalf("unlock with wrong passphrase error = %v, want ErrWrongPassphrase", err)
	}
}

func TestUnlockWithoutRecord(t *testing.T) {
	v := testVault(t)
	_, err := v.UnlockFromPassword([]byte("anything"))
	if !IsError(err, ErrNoStoredCredential) {
		t.Fatalf("unlock without record error = %v, want ErrNoStoredCredential", err)
	}
}

func TestSetupEmptyPassphrase(t *testing.T) {
	v := testVault(t)
	_, err := v.SetupFromPassword(nil)
	if !IsError(err, ErrEmptyPassphrase) {
		t.Fatalf("setup with empty passphrase error = %v, want ErrEmptyPassphrase", err)
	}
}

func TestLock(t *testing.T) {
	v := testVault(t)
	if _, err := v.SetupFromPassword([]byte("hunter2")); err != nil {
		t.Fatalf("SetupFromPassword: %v", err)
	}

	v.Lock()
	if _, ok := v.CurrentCredential(); ok {
		t.Fatal("credential still active after lock")
	}
	// The record survives and the passphrase still unlocks.
	if has, _ := v.HasStoredPassword(); !has {
		t.Fatal("password record removed by lock")
	}
	if _, err := v.UnlockFromPassword([]byte("hunter2")); err != nil {
		t.Fatalf("unlock after lock: %v", err)
	}
}

func TestReset(t *testing.T) {
	v := testVault(t)
	if _, err := v.SetupFromPassword([]byte("hunter2")); err != nil {
		t.Fatalf("SetupFromPassword: %v", err)
	}
	if err := v.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok := v.CurrentCredential(); ok {
		t.Fatal("credential still active after reset")
	}
	if has, _ := v.HasStoredPassword(); has {
		t.Fatal("password record still present after reset")
	}
	// A reset vault behaves like a brand new one.
	if _, err := v.UnlockFromPassword([]byte("hunter2")); !IsError(err, ErrNoStoredCredential) {
		t.Fatalf("unlock after reset error = %v, want ErrNoStoredCredential", err)
	}
}

func TestSetupOverwritesRecord(t *testing.T) {
	v := testVault(t)
	first, err := v.SetupFromPassword([]byte("first"))
	if err != nil {
		t.Fatalf("first setup: %v", err)
	}
	second, err := v.SetupFromPassword([]byte("second"))
	if err != nil {
		t.Fatalf("second setup: %v", err)
	}
	if bytes.Equal(first[:], second[:]) {
		t.Fatal("distinct passphrases derived the same credential")
	}
	// The old passphrase no longer unlocks.
	if _, err := v.UnlockFromPassword([]byte("first")); !IsError(err, ErrWrongPassphrase) {
		t.Fatalf("unlock with replaced passphrase error = %v, want ErrWrongPassphrase", err)
	}
}
