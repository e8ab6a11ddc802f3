// Package localstore implements the on-disk key-value store backing the
// wallet's small set of persisted, non-secret records: the password salt and
// verification hash, and the active wallet session id.  Raw passwords and
// derived keys are never written here.
package localstore

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// credentialBucket holds the password record written by the vault.
	credentialBucket = []byte("credential")

	// sessionBucket holds the persisted wallet session id.
	sessionBucket = []byte("session")

	saltKey     = []byte("salt")
	passHashKey = []byte("passhash")
	walletIDKey = []byte("walletid")
)

// DB is a handle to the local record store.
type DB struct {
	db *bolt.DB
}

// Open opens or creates the record store at the given file path.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{credentialBucket, sessionBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %v", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close releases the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// PutPasswordRecord stores the salt and verification hash pair, replacing
// any previous record.
func (d *DB) PutPasswordRecord(salt, verificationHash []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(credentialBucket)
		if err := bkt.Put(saltKey, salt); err != nil {
			return err
		}
		return bkt.Put(passHashKey, verificationHash)
	})
}

// PasswordRecord fetches the stored salt and verification hash.  Both return
// values are nil when no record has been stored.
func (d *DB) PasswordRecord() (salt, verificationHash []byte, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(credentialBucket)
		if s := bkt.Get(saltKey); s != nil {
			salt = append([]byte(nil), s...)
		}
		if h := bkt.Get(passHashKey); h != nil {
			verificationHash = append([]byte(nil), h...)
		}
		return nil
	})
	return salt, verificationHash, err
}

// DeletePasswordRecord removes any stored password record.
func (d *DB) DeletePasswordRecord() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(credentialBucket)
		if err := bkt.Delete(saltKey); err != nil {
			return err
		}
		return bkt.Delete(passHashKey)
	})
}

// PutSessionID stores the active wallet session id.
func (d *DB) PutSessionID(id string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(walletIDKey, []byte(id))
	})
}

// SessionID fetches the stored wallet session id, or "" when absent.
func (d *DB) SessionID() (string, error) {
	var id string
	err := d.db.View(func(tx *bolt.Tx) error {
		id = string(tx.Bucket(sessionBucket).Get(walletIDKey))
		return nil
	})
	return id, err
}

// DeleteSessionID removes the stored wallet session id.
func (d *DB) DeleteSessionID() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(walletIDKey)
	})
}
