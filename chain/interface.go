// Package chain provides the wallet's view of the public EVM chain: ERC-20
// token metadata and allowances, fee-field probing, and signed transaction
// broadcast with inclusion tracking.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/kalintou/railgun-app-jp/engine"
)

// ErrReverted is returned when a broadcast transaction was included in a
// block but reverted.
var ErrReverted = errors.New("transaction reverted on chain")

// Interface allows more than one public chain backend, such as a local node
// or a remote RPC provider, as long as a driver is written for it.  Every
// method that reaches the chain accepts a context and may block until the
// node responds.
type Interface interface {
	// SignerAddress returns the public address of the locally-held
	// signing key.  This keypair is distinct from the wallet's
	// encryption credential.
	SignerAddress() string

	// TokenDecimals fetches the decimal precision of an ERC-20 token.
	TokenDecimals(ctx context.Context, token string) (uint8, error)

	// Allowance fetches the signer's current ERC-20 allowance granted to
	// spender.
	Allowance(ctx context.Context, token, spender string) (*big.Int, error)

	// Approve submits an ERC-20 approval granting spender the given
	// allowance and returns the transaction hash without waiting for
	// inclusion.
	Approve(ctx context.Context, token, spender string, amount *big.Int) (string, error)

	// FeeProbe fetches current fee fields the way a self-transfer
	// population would, without estimating gas for any particular call.
	FeeProbe(ctx context.Context) (*engine.GasDetails, error)

	// Broadcast signs the populated transaction with the local signing
	// key and submits it, returning the transaction hash.  Sends are
	// serialized per signer so nonces are assigned in strictly
	// increasing order.
	Broadcast(ctx context.Context, tx *engine.PopulatedTransaction) (string, error)

	// WaitForInclusion blocks until the transaction is mined, returning
	// ErrReverted if it was included but failed.
	WaitForInclusion(ctx context.Context, txHash string) error

	// Close releases the client's resources.
	Close()
}
