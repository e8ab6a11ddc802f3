package wallet

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/kalintou/railgun-app-jp/engine"
	"github.com/kalintou/railgun-app-jp/localstore"
	"github.com/kalintou/railgun-app-jp/session"
	"github.com/kalintou/railgun-app-jp/vault"
)

// fakeBackend implements engine.Backend for pipeline and sync tests.
type fakeBackend struct {
	estimateErr error
	proofErr    error
	populateErr error

	estimateCalls int
	proofCalls    int
	populateCalls int
	refreshCalls  int

	// progressValues are emitted through the proof progress callback, in
	// the backend's native scale.
	progressValues []float64

	// refreshErrs is consumed one entry per RefreshBalances call; nil
	// entries mean success, and an exhausted queue means success.
	refreshErrs []error

	gotAmount   *big.Int
	gotBatchMin *big.Int

	ntfns chan interface{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{ntfns: make(chan interface{}, 16)}
}

func (b *fakeBackend) Start() error                      { return nil }
func (b *fakeBackend) Stop()                             {}
func (b *fakeBackend) WaitForShutdown()                  {}
func (b *fakeBackend) Notifications() <-chan interface{} { return b.ntfns }

func (b *fakeBackend) NetworkParams(ctx context.Context) (*engine.NetworkParams, error) {
	return &engine.NetworkParams{
		Name:             "Ethereum_Sepolia",
		ProxyContract:    "0x00000000000000000000000000000000000000aa",
		DeploymentHeight: 3231111,
	}, nil
}

func (b *fakeBackend) CreateWallet(ctx context.Context, key []byte, mnemonic string,
	heights map[string]uint64) (*engine.WalletInfo, error) {
	return &engine.WalletInfo{ID: "wallet-1", ShieldedAddress: "0zk1abc"}, nil
}

func (b *fakeBackend) LoadWallet(ctx context.Context, key []byte, walletID string) (*engine.WalletInfo, error) {
	return &engine.WalletInfo{ID: walletID, ShieldedAddress: "0zk1abc"}, nil
}

func (b *fakeBackend) ShareableViewingKey(ctx context.Context, walletID string) (string, error) {
	return "vk-" + walletID, nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, kind engine.OperationKind, walletID string,
	key []byte, recipients []engine.ERC20Recipient, gas *engine.GasDetails) (uint64, error) {
	b.estimateCalls++
	if len(recipients) == 1 {
		b.gotAmount = new(big.Int).Set(recipients[0].Amount)
	}
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return 21000, nil
}

func (b *fakeBackend) GenerateProof(ctx context.Context, kind engine.OperationKind, walletID string,
	key []byte, recipients []engine.ERC20Recipient, price *big.Int, progress engine.ProgressFunc) error {
	b.proofCalls++
	b.gotBatchMin = new(big.Int).Set(price)
	for _, v := range b.progressValues {
		progress(v)
	}
	return b.proofErr
}

func (b *fakeBackend) PopulateTransaction(ctx context.Context, kind engine.OperationKind,
	walletID string, recipients []engine.ERC20Recipient, price *big.Int,
	gas *engine.GasDetails) (*engine.PopulatedTransaction, error) {
	b.populateCalls++
	if b.populateErr != nil {
		return nil, b.populateErr
	}
	return &engine.PopulatedTransaction{
		To:    "0x00000000000000000000000000000000000000bb",
		Data:  []byte{0xde, 0xad},
		Value: new(big.Int),
		Gas:   *gas,
	}, nil
}

func (b *fakeBackend) RefreshBalances(ctx context.Context, walletIDs []string) error {
	b.refreshCalls++
	if len(b.refreshErrs) > 0 {
		err := b.refreshErrs[0]
		b.refreshErrs = b.refreshErrs[1:]
		return err
	}
	return nil
}

// fakeChain implements chain.Interface for pipeline tests.
type fakeChain struct {
	decimals  uint8
	allowance *big.Int

	approveCalls int
	approveErr   error

	broadcastErr error
	inclusionErr map[string]error

	broadcastCalls int
}

func newFakeChain() *fakeChain {
	return &fakeChain{decimals: 18, allowance: new(big.Int)}
}

func (c *fakeChain) SignerAddress() string { return "0x00000000000000000000000000000000000000cc" }
func (c *fakeChain) Close()                {}

func (c *fakeChain) TokenDecimals(ctx context.Context, token string) (uint8, error) {
	return c.decimals, nil
}

func (c *fakeChain) Allowance(ctx context.Context, token, spender string) (*big.Int, error) {
	return new(big.Int).Set(c.allowance), nil
}

func (c *fakeChain) Approve(ctx context.Context, token, spender string, amount *big.Int) (string, error) {
	c.approveCalls++
	if c.approveErr != nil {
		return "", c.approveErr
	}
	return "0xapproval", nil
}

func (c *fakeChain) FeeProbe(ctx context.Context) (*engine.GasDetails, error) {
	return &engine.GasDetails{
		Type:                 engine.GasTypeDynamic,
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(100_000_000),
	}, nil
}

func (c *fakeChain) Broadcast(ctx context.Context, tx *engine.PopulatedTransaction) (string, error) {
	c.broadcastCalls++
	if c.broadcastErr != nil {
		return "", c.broadcastErr
	}
	return "0xbroadcast", nil
}

func (c *fakeChain) WaitForInclusion(ctx context.Context, txHash string) error {
	return c.inclusionErr[txHash]
}

func testMnemonic() (string, error) {
	return "test test test test test test test test test test test junk", nil
}

// testWallet builds a wallet with an unlocked vault and active session
// unless unlock is false.
func testWallet(t *testing.T, backend *fakeBackend, chn *fakeChain, unlock bool) *Wallet {
	t.Helper()
	db, err := localstore.Open(filepath.Join(t.TempDir(), "wallet.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	vlt := vault.NewWithParams(db, vault.FastKDFParams)
	sessions := session.NewStore(db, vlt, backend)
	if unlock {
		if _, err := vlt.SetupFromPassword([]byte("hunter2")); err != nil {
			t.Fatalf("vault setup: %v", err)
		}
		if _, err := sessions.CreateOrLoad(context.Background(), testMnemonic); err != nil {
			t.Fatalf("CreateOrLoad: %v", err)
		}
	}
	return New(&Config{
		Vault:    vlt,
		Sessions: sessions,
		Backend:  backend,
		Chain:    chn,
	})
}

func asPipelineError(t *testing.T, err error) *PipelineError {
	t.Helper()
	var perr *PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("error %v (%T) is not a PipelineError", err, err)
	}
	return perr
}

func TestPipelineLockedVault(t *testing.T) {
	backend := newFakeBackend()
	w := testWallet(t, backend, newFakeChain(), false)

	_, err := w.PrivateTransfer(context.Background(), &TransferRequest{
		TokenAddress: "0xtoken",
		Recipient:    "0zk1dest",
		Amount:       "1",
	})
	perr := asPipelineError(t, err)
	if perr.Stage != StageEstimating || perr.Kind != KindCredentialState {
		t.Fatalf("error = stage %s kind %s, want Estimating/CredentialState",
			perr.Stage, perr.Kind)
	}
	if backend.estimateCalls+backend.proofCalls+backend.populateCalls != 0 {
		t.Fatal("backend was called with a locked vault")
	}
}

func TestPipelineStageOrder(t *testing.T) {
	backend := newFakeBackend()
	chn := newFakeChain()
	w := testWallet(t, backend, chn, true)

	var stages []Stage
	res, err := w.PrivateTransfer(context.Background(), &TransferRequest{
		TokenAddress: "0xtoken",
		Recipient:    "0zk1dest",
		Amount:       "0.01",
		OnStage:      func(s Stage) { stages = append(stages, s) },
	})
	if err != nil {
		t.Fatalf("PrivateTransfer: %v", err)
	}
	if res.TxHash != "0xbroadcast" || res.ApprovalTxHash != "" {
		t.Fatalf("unexpected result %+v", res)
	}

	want := []Stage{StageEstimating, StageProving, StagePopulating,
		StageBroadcasting, StageComplete}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stage[%d] = %s, want %s", i, stages[i], want[i])
		}
	}
	if chn.approveCalls != 0 {
		t.Fatal("private transfer performed an allowance approval")
	}
}

func TestShieldApprovesWhenAllowanceLow(t *testing.T) {
	backend := newFakeBackend()
	chn := newFakeChain()
	chn.allowance = big.NewInt(0)
	w := testWallet(t, backend, chn, true)

	res, err := w.Shield(context.Background(), &TransferRequest{
		TokenAddress: "0xtoken",
		Recipient:    "0zk1dest",
		Amount:       "0.01",
	})
	if err != nil {
		t.Fatalf("Shield: %v", err)
	}
	if chn.approveCalls != 1 {
		t.Fatalf("approveCalls = %d, want 1", chn.approveCalls)
	}
	if res.ApprovalTxHash != "0xapproval" {
		t.Fatalf("ApprovalTxHash = %q, want 0xapproval", res.ApprovalTxHash)
	}
}

func TestShieldSkipsApprovalWhenAllowanceCovers(t *testing.T) {
	backend := newFakeBackend()
	chn := newFakeChain()
	// 0.01 tokens at 18 decimals is 1e16 base units.
	chn.allowance = new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)
	w := testWallet(t, backend, chn, true)

	res, err := w.Shield(context.Background(), &TransferRequest{
		TokenAddress: "0xtoken",
		Recipient:    "0zk1dest",
		Amount:       "0.01",
	})
	if err != nil {
		t.Fatalf("Shield: %v", err)
	}
	if chn.approveCalls != 0 {
		t.Fatal("approval submitted despite sufficient allowance")
	}
	if res.ApprovalTxHash != "" {
		t.Fatalf("ApprovalTxHash = %q, want empty", res.ApprovalTxHash)
	}
}

func TestShieldBaseTokenSkipsAllowance(t *testing.T) {
	backend := newFakeBackend()
	chn := newFakeChain()
	chn.allowance = big.NewInt(0)
	w := testWallet(t, backend, chn, true)

	// The wrapped base token contract stands in for TokenAddress; the
	// funds travel as transaction value, so a zero allowance must not
	// trigger an approval.
	res, err := w.ShieldBaseToken(context.Background(), &TransferRequest{
		TokenAddress: "0xweth",
		Recipient:    "0zk1dest",
		Amount:       "0.01",
	})
	if err != nil {
		t.Fatalf("ShieldBaseToken: %v", err)
	}
	if chn.approveCalls != 0 {
		t.Fatal("base token shield submitted an ERC-20 approval")
	}
	if res.TxHash != "0xbroadcast" || res.ApprovalTxHash != "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestEstimateFailureAbortsBeforeProof(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = errors.New("insufficient balance")
	w := testWallet(t, backend, newFakeChain(), true)

	_, err := w.Unshield(context.Background(), &TransferRequest{
		TokenAddress: "0xtoken",
		Recipient:    "0x00000000000000000000000000000000000000dd",
		Amount:       "1",
	})
	perr := asPipelineError(t, err)
	if perr.Stage != StageEstimating || perr.Kind != KindBackendFailure {
		t.Fatalf("error = stage %s kind %s", perr.Stage, perr.Kind)
	}
	if backend.proofCalls != 0 {
		t.Fatal("proof generation ran after a failed estimate")
	}
}

func TestUnshieldRequiresPublicAddress(t *testing.T) {
	backend := newFakeBackend()
	w := testWallet(t, backend, newFakeChain(), true)

	_, err := w.Unshield(context.Background(), &TransferRequest{
		TokenAddress: "0xtoken",
		Recipient:    "0zk1dest",
		Amount:       "1",
	})
	perr := asPipelineError(t, err)
	if perr.Kind != KindInputValidation {
		t.Fatalf("error kind = %s, want InputValidation", perr.Kind)
	}
	if backend.estimateCalls != 0 {
		t.Fatal("estimate ran for an invalid unshield destination")
	}
}

func TestInclusionFailureCarriesTxHash(t *testing.T) {
	backend := newFakeBackend()
	chn := newFakeChain()
	chn.inclusionErr = map[string]error{"0xbroadcast": errors.New("reverted")}
	w := testWallet(t, backend, chn, true)

	_, err := w.PrivateTransfer(context.Background(), &TransferRequest{
		TokenAddress: "0xtoken",
		Recipient:    "0zk1dest",
		Amount:       "1",
	})
	perr := asPipelineError(t, err)
	if perr.Stage != StageBroadcasting || perr.Kind != KindChainRejection {
		t.Fatalf("error = stage %s kind %s", perr.Stage, perr.Kind)
	}
	if perr.TxHash != "0xbroadcast" {
		t.Fatalf("TxHash = %q, want 0xbroadcast", perr.TxHash)
	}
}

func TestProofProgressNormalization(t *testing.T) {
	backend := newFakeBackend()
	// A fractional report, a percentage report, and a regression.
	backend.progressValues = []float64{0.25, 50, 0.4, 120}
	w := testWallet(t, backend, newFakeChain(), true)

	var got []float64
	_, err := w.PrivateTransfer(context.Background(), &TransferRequest{
		TokenAddress:    "0xtoken",
		Recipient:       "0zk1dest",
		Amount:          "1",
		OnProofProgress: func(v float64) { got = append(got, v) },
	})
	if err != nil {
		t.Fatalf("PrivateTransfer: %v", err)
	}
	want := []float64{25, 50, 50, 100}
	if len(got) != len(want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCredentialInvalidationMidRun(t *testing.T) {
	backend := newFakeBackend()
	backend.progressValues = []float64{0.5}
	w := testWallet(t, backend, newFakeChain(), true)

	// Locking the vault while the proof is being generated must abort
	// the run before the transaction is populated.
	_, err := w.PrivateTransfer(context.Background(), &TransferRequest{
		TokenAddress:    "0xtoken",
		Recipient:       "0zk1dest",
		Amount:          "1",
		OnProofProgress: func(float64) { w.vault.Lock() },
	})
	perr := asPipelineError(t, err)
	if perr.Stage != StagePopulating || perr.Kind != KindCredentialState {
		t.Fatalf("error = stage %s kind %s, want Populating/CredentialState",
			perr.Stage, perr.Kind)
	}
	if backend.populateCalls != 0 {
		t.Fatal("transaction populated with an invalidated credential")
	}
}

func TestCancelBetweenStages(t *testing.T) {
	backend := newFakeBackend()
	w := testWallet(t, backend, newFakeChain(), true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := w.PrivateTransfer(ctx, &TransferRequest{
		TokenAddress: "0xtoken",
		Recipient:    "0zk1dest",
		Amount:       "1",
		OnStage: func(s Stage) {
			if s == StageProving {
				cancel()
			}
		},
	})
	perr := asPipelineError(t, err)
	if perr.Stage != StageProving || perr.Kind != KindCanceled {
		t.Fatalf("error = stage %s kind %s, want Proving/Canceled", perr.Stage, perr.Kind)
	}
	if backend.proofCalls != 0 {
		t.Fatal("proof generation ran after cancellation")
	}
}

func TestBatchMinGasPriceDynamic(t *testing.T) {
	backend := newFakeBackend()
	w := testWallet(t, backend, newFakeChain(), true)

	if _, err := w.PrivateTransfer(context.Background(), &TransferRequest{
		TokenAddress: "0xtoken",
		Recipient:    "0zk1dest",
		Amount:       "1",
	}); err != nil {
		t.Fatalf("PrivateTransfer: %v", err)
	}
	if backend.gotBatchMin.Cmp(big.NewInt(2_000_000_000)) != 0 {
		t.Fatalf("batchMinGasPrice = %v, want MaxFeePerGas", backend.gotBatchMin)
	}
}

func TestAmountTruncatedToTokenPrecision(t *testing.T) {
	backend := newFakeBackend()
	chn := newFakeChain()
	chn.decimals = 2
	w := testWallet(t, backend, chn, true)

	if _, err := w.PrivateTransfer(context.Background(), &TransferRequest{
		TokenAddress: "0xtoken",
		Recipient:    "0zk1dest",
		Amount:       "1.999",
	}); err != nil {
		t.Fatalf("PrivateTransfer: %v", err)
	}
	if backend.gotAmount.Cmp(big.NewInt(199)) != 0 {
		t.Fatalf("amount = %v, want 199", backend.gotAmount)
	}
}
