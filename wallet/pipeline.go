package wallet

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalintou/railgun-app-jp/amount"
	"github.com/kalintou/railgun-app-jp/engine"
	"github.com/kalintou/railgun-app-jp/vault"
)

// Stage identifies the current phase of a pipeline run.
type Stage int

const (
	// StageIdle is the state before a run begins.
	StageIdle Stage = iota

	// StageEstimating covers amount normalization, the shield-only
	// allowance/approve sub-step, and the backend fee estimate.
	StageEstimating

	// StageProving covers asynchronous proof generation.
	StageProving

	// StagePopulating covers construction of the signable transaction.
	StagePopulating

	// StageBroadcasting covers submission and the inclusion wait.
	StageBroadcasting

	// StageComplete is the terminal success state.
	StageComplete

	// StageFailed is the terminal failure state, reachable from any
	// non-terminal stage.
	StageFailed
)

var stageStrings = map[Stage]string{
	StageIdle:         "Idle",
	StageEstimating:   "Estimating",
	StageProving:      "Proving",
	StagePopulating:   "Populating",
	StageBroadcasting: "Broadcasting",
	StageComplete:     "Complete",
	StageFailed:       "Failed",
}

// String returns the Stage as a human-readable name.
func (s Stage) String() string {
	if str := stageStrings[s]; str != "" {
		return str
	}
	return fmt.Sprintf("Unknown Stage (%d)", int(s))
}

// TransferRequest is the caller-supplied input to one pipeline run.
type TransferRequest struct {
	// TokenAddress is the ERC-20 contract address.
	TokenAddress string

	// Recipient is a shielded address for shield and private transfer
	// operations, or a public 0x address for unshield.
	Recipient string

	// Amount is the human-entered decimal amount, e.g. "0.01".
	Amount string

	// OnStage, when non-nil, is invoked on every stage transition.
	OnStage func(Stage)

	// OnProofProgress, when non-nil, receives proof generation progress
	// normalized to [0,100], non-decreasing within the run.
	OnProofProgress func(float64)
}

// PipelineResult reports the outcome of a completed run.
type PipelineResult struct {
	// TxHash is the hash of the included transaction.
	TxHash string

	// ApprovalTxHash is set when a shield run had to submit an ERC-20
	// approval first.  The approval is an on-chain fact even when a
	// later stage fails.
	ApprovalTxHash string
}

// pipelineRun is the ephemeral state of one shield, transfer, or unshield
// attempt.  A run is single-shot: re-invocation by the caller is a brand
// new run with fresh estimates.
type pipelineRun struct {
	kind         engine.OperationKind
	req          *TransferRequest
	stage        Stage
	lastProgress float64
	approvalHash string
	txHash       string
}

func (r *pipelineRun) setStage(s Stage) {
	r.stage = s
	if r.req.OnStage != nil {
		r.req.OnStage(s)
	}
}

// fail marks the run failed and decorates the error with any transaction
// hash already obtained.
func (r *pipelineRun) fail(err *PipelineError) *PipelineError {
	r.setStage(StageFailed)
	if err.TxHash == "" {
		if r.txHash != "" {
			err.TxHash = r.txHash
		} else if r.approvalHash != "" {
			err.TxHash = r.approvalHash
		}
	}
	log.Errorf("%s pipeline failed: %v", r.kind, err)
	return err
}

// normalizeProgress maps a backend progress report onto the [0,100] scale.
// Backends report either a 0-1 fraction or a 0-100 percentage; a value at
// or below 1 is treated as a fraction.  Values are clamped, never
// double-scaled.
func normalizeProgress(v float64) float64 {
	if v <= 1 {
		v *= 100
	}
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// reportProgress forwards a normalized, monotonically non-decreasing
// progress value to the caller.
func (r *pipelineRun) reportProgress(v float64) {
	norm := normalizeProgress(v)
	if norm < r.lastProgress {
		norm = r.lastProgress
	}
	r.lastProgress = norm
	if r.req.OnProofProgress != nil {
		r.req.OnProofProgress(norm)
	}
}

// Shield moves public ERC-20 funds into the shielded pool.
func (w *Wallet) Shield(ctx context.Context, req *TransferRequest) (*PipelineResult, error) {
	return w.runPipeline(ctx, engine.Shield, req)
}

// ShieldBaseToken shields the chain's native token through its wrapped
// ERC-20 form.  TokenAddress must be the wrapped base token contract.  The
// funds travel as transaction value, so unlike Shield no allowance approval
// precedes estimation.
func (w *Wallet) ShieldBaseToken(ctx context.Context, req *TransferRequest) (*PipelineResult, error) {
	return w.runPipeline(ctx, engine.ShieldBaseToken, req)
}

// PrivateTransfer moves funds between two shielded balances.
func (w *Wallet) PrivateTransfer(ctx context.Context, req *TransferRequest) (*PipelineResult, error) {
	return w.runPipeline(ctx, engine.PrivateTransfer, req)
}

// Unshield moves shielded funds back to a public address.
func (w *Wallet) Unshield(ctx context.Context, req *TransferRequest) (*PipelineResult, error) {
	return w.runPipeline(ctx, engine.Unshield, req)
}

// checkCredential verifies the vault credential is still active and
// unchanged from the run's snapshot.  A concurrent reset or re-unlock
// invalidates any in-flight run rather than letting it proceed with a stale
// key.
func (w *Wallet) checkCredential(run *pipelineRun, snapshot vault.Credential) *PipelineError {
	cur, ok := w.vault.CurrentCredential()
	if !ok || cur != snapshot {
		return pipelineError(run.stage, KindCredentialState,
			"encryption credential was invalidated mid-run", nil)
	}
	return nil
}

// checkCancel implements cooperative cancellation between stages.  A single
// backend call is never interrupted; proof generation in particular is
// treated as atomic.
func checkCancel(ctx context.Context, run *pipelineRun) *PipelineError {
	if err := ctx.Err(); err != nil {
		return pipelineError(run.stage, KindCanceled, "run canceled", err)
	}
	return nil
}

// runPipeline executes the four pipeline stages strictly in order for a
// single transfer descriptor.  No stage is retried automatically.
func (w *Wallet) runPipeline(ctx context.Context, kind engine.OperationKind,
	req *TransferRequest) (*PipelineResult, error) {

	run := &pipelineRun{kind: kind, req: req, stage: StageIdle}

	// Stage 1: Estimating.
	run.setStage(StageEstimating)

	// Credential and session gating precede any backend or chain call.
	cred, ok := w.vault.CurrentCredential()
	if !ok {
		return nil, run.fail(pipelineError(StageEstimating, KindCredentialState,
			"vault is locked", nil))
	}
	sess, ok := w.sessions.Active()
	if !ok {
		return nil, run.fail(pipelineError(StageEstimating, KindCredentialState,
			"no wallet session is active", nil))
	}

	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return nil, run.fail(pipelineError(StageEstimating, KindInputValidation,
			"recipient address is empty", nil))
	}
	if kind == engine.Unshield && !strings.HasPrefix(recipient, "0x") {
		return nil, run.fail(pipelineError(StageEstimating, KindInputValidation,
			"unshield destination must be a public 0x address", nil))
	}

	decimals, err := w.chain.TokenDecimals(ctx, req.TokenAddress)
	if err != nil {
		return nil, run.fail(pipelineError(StageEstimating, KindBackendFailure,
			"failed to fetch token decimals", err))
	}
	units, err := amount.Parse(req.Amount, decimals)
	if err != nil {
		return nil, run.fail(pipelineError(StageEstimating, KindInputValidation,
			"invalid amount", err))
	}

	// The descriptor is immutable from here on and consumed by exactly
	// this run.
	recipients := []engine.ERC20Recipient{{
		TokenAddress: req.TokenAddress,
		Amount:       units,
		Recipient:    recipient,
	}}

	// Shield moves public tokens, so the pool contract needs an
	// allowance before estimation can succeed.  A failed approval fails
	// the whole run; a landed approval is an on-chain fact reported to
	// the caller either way.
	if kind == engine.Shield {
		params, err := w.backend.NetworkParams(ctx)
		if err != nil {
			return nil, run.fail(pipelineError(StageEstimating, KindBackendFailure,
				"failed to fetch network params", err))
		}
		allowance, err := w.chain.Allowance(ctx, req.TokenAddress, params.ProxyContract)
		if err != nil {
			return nil, run.fail(pipelineError(StageEstimating, KindBackendFailure,
				"failed to check token allowance", err))
		}
		if allowance.Cmp(units) < 0 {
			approvalHash, err := w.chain.Approve(ctx, req.TokenAddress,
				params.ProxyContract, units)
			if err != nil {
				return nil, run.fail(pipelineError(StageEstimating, KindChainRejection,
					"token approval failed", err))
			}
			run.approvalHash = approvalHash
			log.Infof("Submitted approval %s for token %s", approvalHash, req.TokenAddress)
			if err := w.chain.WaitForInclusion(ctx, approvalHash); err != nil {
				return nil, run.fail(&PipelineError{
					Stage:       StageEstimating,
					Kind:        KindChainRejection,
					TxHash:      approvalHash,
					Description: "token approval was not included",
					Err:         err,
				})
			}
		} else {
			log.Debugf("Existing allowance covers shield amount")
		}
	}

	probe, err := w.chain.FeeProbe(ctx)
	if err != nil {
		return nil, run.fail(pipelineError(StageEstimating, KindBackendFailure,
			"failed to fetch fee fields", err))
	}
	gasEstimate, err := w.backend.EstimateGas(ctx, kind, sess.ID, cred[:], recipients, probe)
	if err != nil {
		return nil, run.fail(pipelineError(StageEstimating, KindBackendFailure,
			"fee estimation failed", err))
	}

	gasDetails := *probe
	gasDetails.GasEstimate = gasEstimate

	// The batch minimum fee price is a pure function of the gas details
	// and is never re-estimated in a later stage.
	batchMinGasPrice := gasDetails.BatchMinGasPrice()

	// Stage 2: Proving.
	run.setStage(StageProving)
	if perr := checkCancel(ctx, run); perr != nil {
		return nil, run.fail(perr)
	}
	if perr := w.checkCredential(run, cred); perr != nil {
		return nil, run.fail(perr)
	}
	// No timeout here: proof generation on low-compute devices can take
	// tens of seconds and must not be canceled unilaterally.
	err = w.backend.GenerateProof(ctx, kind, sess.ID, cred[:], recipients,
		batchMinGasPrice, run.reportProgress)
	if err != nil {
		return nil, run.fail(pipelineError(StageProving, KindBackendFailure,
			"proof generation failed", err))
	}

	// Stage 3: Populating.
	run.setStage(StagePopulating)
	if perr := checkCancel(ctx, run); perr != nil {
		return nil, run.fail(perr)
	}
	if perr := w.checkCredential(run, cred); perr != nil {
		return nil, run.fail(perr)
	}
	populated, err := w.backend.PopulateTransaction(ctx, kind, sess.ID, recipients,
		batchMinGasPrice, &gasDetails)
	if err != nil {
		return nil, run.fail(pipelineError(StagePopulating, KindBackendFailure,
			"transaction population failed", err))
	}

	// Stage 4: Broadcasting.
	run.setStage(StageBroadcasting)
	if perr := checkCancel(ctx, run); perr != nil {
		return nil, run.fail(perr)
	}
	txHash, err := w.chain.Broadcast(ctx, populated)
	if err != nil {
		return nil, run.fail(pipelineError(StageBroadcasting, KindChainRejection,
			"broadcast rejected", err))
	}
	run.txHash = txHash
	log.Infof("%s transaction broadcast: %s", kind, txHash)
	if err := w.chain.WaitForInclusion(ctx, txHash); err != nil {
		return nil, run.fail(&PipelineError{
			Stage:       StageBroadcasting,
			Kind:        KindChainRejection,
			TxHash:      txHash,
			Description: "transaction was not included",
			Err:         err,
		})
	}

	run.setStage(StageComplete)
	log.Infof("%s of %s %s complete in %s", kind, req.Amount, req.TokenAddress, txHash)
	return &PipelineResult{TxHash: txHash, ApprovalTxHash: run.approvalHash}, nil
}
