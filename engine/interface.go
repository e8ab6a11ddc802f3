// Package engine defines the boundary to the proving and indexing backend
// that owns the shielded wallet material: wallet creation and loading,
// fee estimation, zero-knowledge proof generation, transaction population,
// and balance scanning.  The backend is an opaque service; this package
// specifies only the orchestration surface the wallet depends on.
package engine

import (
	"context"
	"math/big"
)

// OperationKind selects which shielded-pool operation a backend call is
// performed for.
type OperationKind int

const (
	// Shield moves funds from a public address into the shielded pool.
	Shield OperationKind = iota

	// PrivateTransfer moves funds between two shielded balances.
	PrivateTransfer

	// Unshield moves funds from the shielded pool to a public address.
	Unshield

	// ShieldBaseToken shields the chain's native token through its wrapped
	// ERC-20 form.  The funds travel as transaction value, so no ERC-20
	// allowance is involved.
	ShieldBaseToken
)

var kindStrings = map[OperationKind]string{
	Shield:          "shield",
	PrivateTransfer: "transfer",
	Unshield:        "unshield",
	ShieldBaseToken: "shieldBaseToken",
}

// String returns the OperationKind as a human-readable name.
func (k OperationKind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// GasType identifies the fee structure of a public chain transaction.
type GasType uint8

const (
	// GasTypeLegacy is a pre-EIP-1559 transaction priced by a single gas
	// price.
	GasTypeLegacy GasType = iota

	// GasTypeAccessList is an EIP-2930 transaction, priced like legacy.
	GasTypeAccessList

	// GasTypeDynamic is an EIP-1559 transaction priced by a fee cap and
	// priority tip.
	GasTypeDynamic
)

// GasDetails carries the fee parameters attached to estimation, proof, and
// population calls.  Which price fields are meaningful depends on Type.
type GasDetails struct {
	Type        GasType
	GasEstimate uint64

	// GasPrice applies to GasTypeLegacy and GasTypeAccessList.
	GasPrice *big.Int

	// MaxFeePerGas and MaxPriorityFeePerGas apply to GasTypeDynamic.
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// BatchMinGasPrice derives the overall batch minimum fee price from the gas
// details.  The value is purely a function of the already-known fee fields
// and is never re-estimated.
func (g *GasDetails) BatchMinGasPrice() *big.Int {
	if g.Type == GasTypeDynamic {
		return new(big.Int).Set(g.MaxFeePerGas)
	}
	return new(big.Int).Set(g.GasPrice)
}

// ERC20Recipient pairs a token amount with its destination.  For shield and
// private transfer operations the recipient is a shielded address; for
// unshield it is a public 0x address.  A recipient descriptor is immutable
// once constructed and consumed by exactly one pipeline run.
type ERC20Recipient struct {
	TokenAddress string
	Amount       *big.Int
	Recipient    string
}

// ERC20Amount is a token balance entry reported by the backend.
type ERC20Amount struct {
	TokenAddress string
	Amount       *big.Int
}

// BalanceBucket is a named balance state class used to segregate shielded
// balances by availability.
type BalanceBucket string

// Balance buckets reported by the backend.
const (
	BucketSpendable      BalanceBucket = "Spendable"
	BucketShieldPending  BalanceBucket = "ShieldPending"
	BucketProofSubmitted BalanceBucket = "ProofSubmitted"
	BucketSpent          BalanceBucket = "Spent"
)

// WalletInfo describes a shielded wallet held by the backend.
type WalletInfo struct {
	ID              string
	ShieldedAddress string
}

// NetworkParams describes the network the backend is serving: the contract
// granted ERC-20 allowances for shielding and the deployment height used as
// the creation marker for new wallets.
type NetworkParams struct {
	Name             string
	ProxyContract    string
	DeploymentHeight uint64
}

// PopulatedTransaction is a fully-formed, signable public chain transaction
// returned by the backend.
type PopulatedTransaction struct {
	To    string
	Data  []byte
	Value *big.Int
	Gas   GasDetails
}

// ProgressFunc receives proof generation progress reports.  The backend may
// report either a 0-1 fraction or a 0-100 percentage; normalization is the
// caller's concern.
type ProgressFunc func(progress float64)

// Notification types.  These are delivered on the Notifications channel so
// scan and balance events can be processed by blocking consumers instead of
// inside transport callbacks.
type (
	// ClientConnected is a notification for when a connection to the
	// backend is opened or reestablished.
	ClientConnected struct{}

	// UTXOScanUpdate reports progress of the backend's UTXO merkle tree
	// scan.  Progress uses the backend's native scale.
	UTXOScanUpdate struct {
		Progress float64
		Status   string
	}

	// TXIDScanUpdate reports progress of the backend's TXID merkle tree
	// scan.
	TXIDScanUpdate struct {
		Progress float64
		Status   string
	}

	// BalancesUpdated reports the full contents of one balance bucket for
	// a wallet.  Each event replaces any previous event for its bucket.
	BalancesUpdated struct {
		WalletID     string
		Bucket       BalanceBucket
		ERC20Amounts []ERC20Amount
	}
)

// Backend is the interface to the proving/indexing service.  All methods
// that reach the service accept a context and may block until the service
// responds.
type Backend interface {
	Start() error
	Stop()
	WaitForShutdown()

	// NetworkParams fetches the backend's active network description.
	NetworkParams(ctx context.Context) (*NetworkParams, error)

	// CreateWallet creates a new shielded wallet from a recovery phrase,
	// encrypted under the given key, scanning from the supplied creation
	// heights.
	CreateWallet(ctx context.Context, key []byte, mnemonic string,
		creationHeights map[string]uint64) (*WalletInfo, error)

	// LoadWallet decrypts and loads an existing wallet by id.
	LoadWallet(ctx context.Context, key []byte, walletID string) (*WalletInfo, error)

	// ShareableViewingKey exports the read-only viewing key for a wallet.
	ShareableViewingKey(ctx context.Context, walletID string) (string, error)

	// EstimateGas estimates the gas required for an unproven operation,
	// given probe fee fields from the public chain.
	EstimateGas(ctx context.Context, kind OperationKind, walletID string,
		key []byte, recipients []ERC20Recipient,
		originalGas *GasDetails) (uint64, error)

	// GenerateProof runs asynchronous proof generation for the operation,
	// reporting progress through the callback.  The call returns when the
	// proof is complete.  It has no fixed timeout; low-compute devices
	// may take tens of seconds.
	GenerateProof(ctx context.Context, kind OperationKind, walletID string,
		key []byte, recipients []ERC20Recipient,
		batchMinGasPrice *big.Int, progress ProgressFunc) error

	// PopulateTransaction builds the signable transaction from the
	// freshly generated proof artifacts and fee details.
	PopulateTransaction(ctx context.Context, kind OperationKind,
		walletID string, recipients []ERC20Recipient,
		batchMinGasPrice *big.Int, gas *GasDetails) (*PopulatedTransaction, error)

	// RefreshBalances triggers one balance scan for the given wallets.
	// Resulting balance events arrive on the Notifications channel.
	RefreshBalances(ctx context.Context, walletIDs []string) error

	// Notifications returns the channel scan and balance events are
	// delivered on.
	Notifications() <-chan interface{}
}
