// Package session tracks the active shielded wallet session.  A session is
// a handle to wallet material held by the proving backend; only its opaque
// id is persisted locally, and everything else is recomputed from the
// backend on load.  Session operations are gated on the vault holding an
// active encryption credential.
package session

import (
	"context"
	"sync"

	"github.com/kalintou/railgun-app-jp/engine"
	"github.com/kalintou/railgun-app-jp/localstore"
	"github.com/kalintou/railgun-app-jp/vault"
)

// MnemonicProvider supplies the recovery phrase used to create a new wallet.
// Phrase entry is owned by the caller; the store only consumes the result.
type MnemonicProvider func() (string, error)

// Session represents one shielded-pool wallet held by the backend.
type Session struct {
	ID              string
	ShieldedAddress string
}

// Store tracks the active wallet session and its persisted id.
type Store struct {
	mtx     sync.Mutex
	db      *localstore.DB
	vault   *vault.Vault
	backend engine.Backend
	session *Session
}

// NewStore creates a session store using the given record store, vault, and
// backend.
func NewStore(db *localstore.DB, vlt *vault.Vault, backend engine.Backend) *Store {
	return &Store{db: db, vault: vlt, backend: backend}
}

// credential fetches the active encryption credential or fails with
// ErrNoCredential.
func (s *Store) credential() (vault.Credential, error) {
	cred, ok := s.vault.CurrentCredential()
	if !ok {
		return vault.Credential{}, sessionError(ErrNoCredential,
			"vault is locked; unlock before using wallet sessions", nil)
	}
	return cred, nil
}

func (s *Store) setSession(info *engine.WalletInfo) *Session {
	sess := &Session{ID: info.ID, ShieldedAddress: info.ShieldedAddress}
	s.mtx.Lock()
	s.session = sess
	s.mtx.Unlock()
	return sess
}

// Load loads the wallet whose id is persisted locally.  It fails with
// ErrNoStoredSession when no id has been stored and ErrBackend when the
// backend cannot decrypt or locate the wallet.
func (s *Store) Load(ctx context.Context) (*Session, error) {
	cred, err := s.credential()
	if err != nil {
		return nil, err
	}
	id, err := s.db.SessionID()
	if err != nil {
		return nil, sessionError(ErrDatabase, "failed to read session id", err)
	}
	if id == "" {
		return nil, sessionError(ErrNoStoredSession,
			"no wallet session id stored locally", nil)
	}
	info, err := s.backend.LoadWallet(ctx, cred[:], id)
	if err != nil {
		return nil, sessionError(ErrBackend, "failed to load wallet "+id, err)
	}
	return s.setSession(info), nil
}

// Create creates a new wallet from the provider's recovery phrase and the
// backend's creation-height marker, persists its id, and makes it the
// active session.
func (s *Store) Create(ctx context.Context, mnemonic MnemonicProvider) (*Session, error) {
	cred, err := s.credential()
	if err != nil {
		return nil, err
	}
	phrase, err := mnemonic()
	if err != nil {
		return nil, sessionError(ErrMnemonic, "recovery phrase unavailable", err)
	}

	params, err := s.backend.NetworkParams(ctx)
	if err != nil {
		return nil, sessionError(ErrBackend, "failed to fetch network params", err)
	}
	creationHeights := map[string]uint64{params.Name: params.DeploymentHeight}

	info, err := s.backend.CreateWallet(ctx, cred[:], phrase, creationHeights)
	if err != nil {
		return nil, sessionError(ErrBackend, "failed to create wallet", err)
	}
	if err := s.db.PutSessionID(info.ID); err != nil {
		return nil, sessionError(ErrDatabase, "failed to store session id", err)
	}
	log.Infof("Created shielded wallet %s on network %s", info.ID, params.Name)
	return s.setSession(info), nil
}

// CreateOrLoad loads the locally persisted wallet session when one exists
// and otherwise creates a new one.  Any load failure, including a stale or
// mismatched id, falls back to creation.
func (s *Store) CreateOrLoad(ctx context.Context, mnemonic MnemonicProvider) (*Session, error) {
	sess, err := s.Load(ctx)
	if err == nil {
		log.Debugf("Loaded existing shielded wallet %s", sess.ID)
		return sess, nil
	}
	if IsError(err, ErrNoCredential) {
		return nil, err
	}
	if !IsError(err, ErrNoStoredSession) {
		log.Warnf("Failed to load stored wallet session, creating a new one: %v", err)
	}
	return s.Create(ctx, mnemonic)
}

// Active returns the active session, if any.
func (s *Store) Active() (*Session, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.session == nil {
		return nil, false
	}
	sess := *s.session
	return &sess, true
}

// ExportViewingKey exports the active wallet's shareable viewing key.  The
// export is gated on an unlocked vault.  Once shared, the key is a one-way
// disclosure that cannot be invalidated; warning the user is the caller's
// responsibility.
func (s *Store) ExportViewingKey(ctx context.Context) (string, error) {
	if _, err := s.credential(); err != nil {
		return "", err
	}
	sess, ok := s.Active()
	if !ok {
		return "", sessionError(ErrNoSession,
			"no wallet session is active", nil)
	}
	key, err := s.backend.ShareableViewingKey(ctx, sess.ID)
	if err != nil {
		return "", sessionError(ErrBackend, "failed to export viewing key", err)
	}
	return key, nil
}

// Reset clears the persisted session id and the in-memory session
// reference.  The backend-side wallet material is untouched.
func (s *Store) Reset() error {
	s.mtx.Lock()
	s.session = nil
	s.mtx.Unlock()
	if err := s.db.DeleteSessionID(); err != nil {
		return sessionError(ErrDatabase, "failed to delete session id", err)
	}
	log.Infof("Wallet session reference cleared")
	return nil
}
