package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kalintou/railgun-app-jp/internal/prompt"
	"github.com/kalintou/railgun-app-jp/internal/zero"
	"github.com/kalintou/railgun-app-jp/session"
	"github.com/kalintou/railgun-app-jp/vault"
)

// errNoWallet is returned when no credential has been stored yet and the
// create flag was not given.
var errNoWallet = errors.New("no wallet exists, use --create to make one")

// setupCredential establishes the vault credential for this run.  On first
// use it prompts for a brand new passphrase and derives the stored
// verification record; afterwards it prompts for the existing passphrase and
// keeps asking until it verifies.  The passphrase bytes are zeroed as soon as
// the key derivation consumed them.
func setupCredential(cfg *config, vlt *vault.Vault) error {
	hasStored, err := vlt.HasStoredPassword()
	if err != nil {
		return err
	}

	if !hasStored {
		if !cfg.Create {
			return errNoWallet
		}

		pass, err := prompt.NewPassphrase()
		if err != nil {
			return err
		}
		_, err = vlt.SetupFromPassword(pass)
		zero.Bytes(pass)
		return err
	}

	for {
		pass, err := prompt.Passphrase()
		if err != nil {
			return err
		}
		_, err = vlt.UnlockFromPassword(pass)
		zero.Bytes(pass)
		if vault.IsError(err, vault.ErrWrongPassphrase) {
			fmt.Println("Incorrect passphrase entered.")
			continue
		}
		return err
	}
}

// openSession loads the stored wallet session or walks the user through
// creating one.  A fresh wallet prompts for (or generates) the recovery
// phrase; an existing one loads silently.
func openSession(ctx context.Context, sessions *session.Store) (*session.Session, error) {
	mnemonicProvider := func() (string, error) {
		return prompt.Mnemonic(bufio.NewReader(os.Stdin))
	}
	return sessions.CreateOrLoad(ctx, mnemonicProvider)
}
