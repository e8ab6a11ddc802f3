// Package vault manages the wallet's symmetric encryption credential.  The
// credential is derived from a user passphrase with PBKDF2 and lives only in
// process memory; the on-disk record holds just the random salt and a
// verification hash derived at a much higher iteration count, so the stored
// hash can never stand in for the encryption key itself.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/kalintou/railgun-app-jp/internal/zero"
	"github.com/kalintou/railgun-app-jp/localstore"
)

const (
	// saltSize is the number of random bytes generated for each new
	// password record.
	saltSize = 16

	// KeySize is the size in bytes of the derived encryption credential.
	KeySize = 32
)

// KDFParams holds the PBKDF2 iteration counts used when deriving passphrase
// keys.  The verification count is deliberately a magnitude higher than the
// key count so the persisted verification hash can never be reused as the
// encryption credential.
type KDFParams struct {
	KeyIterations    int
	VerifyIterations int
}

// DefaultKDFParams is the default options used when deriving passphrase
// keys.
var DefaultKDFParams = KDFParams{
	KeyIterations:    100000,
	VerifyIterations: 1000000,
}

// FastKDFParams are the options that should be used for testing purposes
// only.
var FastKDFParams = KDFParams{
	KeyIterations:    16,
	VerifyIterations: 64,
}

// Credential is the in-memory symmetric encryption key guarding the wallet's
// shielded material.  It is never persisted.
type Credential [KeySize]byte

// Zero clears the credential bytes.
func (c *Credential) Zero() {
	zero.Bytea32((*[KeySize]byte)(c))
}

// Vault derives and holds the active encryption credential.  At most one
// credential is active at a time; Reset clears it along with the persisted
// password record.
type Vault struct {
	mtx   sync.Mutex
	store *localstore.DB
	kdf   KDFParams
	key   *Credential // nil while locked
}

// New creates a vault backed by the given record store using
// DefaultKDFParams.  The vault starts locked.
func New(store *localstore.DB) *Vault {
	return NewWithParams(store, DefaultKDFParams)
}

// NewWithParams creates a vault with explicit key derivation parameters.
func NewWithParams(store *localstore.DB, kdf KDFParams) *Vault {
	return &Vault{store: store, kdf: kdf}
}

// HasStoredPassword reports whether a password record exists on disk.  It
// has no side effects.
func (v *Vault) HasStoredPassword() (bool, error) {
	salt, hash, err := v.store.PasswordRecord()
	if err != nil {
		return false, vaultError(ErrDatabase, "failed to read password record", err)
	}
	return salt != nil && hash != nil, nil
}

// deriveKey applies PBKDF2-SHA256 to the passphrase and salt at the given
// iteration count.
func deriveKey(passphrase, salt []byte, iterations int) []byte {
	return pbkdf2.Key(passphrase, salt, iterations, KeySize, sha256.New)
}

// derivePair computes the encryption key and the verification hash
// concurrently.  The verification derivation dominates the wall time, so
// running both at once costs no more than the slower of the two.
func (v *Vault) derivePair(passphrase, salt []byte) (key, verifyHash []byte) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		key = deriveKey(passphrase, salt, v.kdf.KeyIterations)
	}()
	verifyHash = deriveKey(passphrase, salt, v.kdf.VerifyIterations)
	wg.Wait()
	return key, verifyHash
}

// SetupFromPassword generates a fresh salt, derives the encryption
// credential and verification hash from the passphrase, persists the
// password record, and activates the credential.  Any previously stored
// record is overwritten, which permanently orphans material encrypted under
// the old credential.
func (v *Vault) SetupFromPassword(passphrase []byte) (Credential, error) {
	if len(passphrase) == 0 {
		return Credential{}, vaultError(ErrEmptyPassphrase,
			"passphrase must not be empty", nil)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Credential{}, vaultError(ErrCrypto,
			"failed to generate salt", err)
	}

	keyBytes, verifyHash := v.derivePair(passphrase, salt)

	if err := v.store.PutPasswordRecord(salt, verifyHash); err != nil {
		zero.Bytes(keyBytes)
		return Credential{}, vaultError(ErrDatabase,
			"failed to store password record", err)
	}

	v.mtx.Lock()
	defer v.mtx.Unlock()
	v.setKeyLocked(keyBytes)
	log.Infof("Encryption credential established from new passphrase")
	return *v.key, nil
}

// UnlockFromPassword recomputes the verification hash from the supplied
// passphrase and the stored salt and, when it matches the stored hash,
// activates the freshly derived encryption credential.  The comparison is
// constant time.
func (v *Vault) UnlockFromPassword(passphrase []byte) (Credential, error) {
	salt, storedHash, err := v.store.PasswordRecord()
	if err != nil {
		return Credential{}, vaultError(ErrDatabase,
			"failed to read password record", err)
	}
	if salt == nil || storedHash == nil {
		return Credential{}, vaultError(ErrNoStoredCredential,
			"no password has been set up", nil)
	}

	keyBytes, verifyHash := v.derivePair(passphrase, salt)

	if subtle.ConstantTimeCompare(verifyHash, storedHash) != 1 {
		zero.Bytes(keyBytes)
		zero.Bytes(verifyHash)
		return Credential{}, vaultError(ErrWrongPassphrase,
			"invalid passphrase", nil)
	}

	v.mtx.Lock()
	defer v.mtx.Unlock()
	v.setKeyLocked(keyBytes)
	log.Debugf("Vault unlocked")
	return *v.key, nil
}

// setKeyLocked installs keyBytes as the active credential, replacing and
// zeroing any previous one.  The caller must hold the vault mutex.
func (v *Vault) setKeyLocked(keyBytes []byte) {
	if v.key != nil {
		v.key.Zero()
	}
	cred := new(Credential)
	copy(cred[:], keyBytes)
	zero.Bytes(keyBytes)
	v.key = cred
}

// Lock zeroes and discards the in-memory credential without touching the
// persisted password record.  Unlocking again requires the passphrase.
func (v *Vault) Lock() {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	if v.key != nil {
		v.key.Zero()
		v.key = nil
	}
	log.Debugf("Vault locked")
}

// Reset deletes the persisted password record and clears the active
// credential, returning the vault to the locked state.
func (v *Vault) Reset() error {
	v.mtx.Lock()
	if v.key != nil {
		v.key.Zero()
		v.key = nil
	}
	v.mtx.Unlock()

	if err := v.store.DeletePasswordRecord(); err != nil {
		return vaultError(ErrDatabase, "failed to delete password record", err)
	}
	log.Infof("Vault reset; stored password record removed")
	return nil
}

// CurrentCredential returns a copy of the active encryption credential.  The
// second return value is false while the vault is locked.  It never derives
// and never blocks on I/O.
func (v *Vault) CurrentCredential() (Credential, bool) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	if v.key == nil {
		return Credential{}, false
	}
	return *v.key, true
}
