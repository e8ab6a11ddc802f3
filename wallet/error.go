package wallet

import "fmt"

// ErrorKind classifies a pipeline failure by how the caller can react to it.
type ErrorKind int

const (
	// KindInputValidation describes malformed user input such as a bad
	// amount or address.  The user corrects the input and retries.
	KindInputValidation ErrorKind = iota

	// KindCredentialState describes a locked vault or missing session.
	// Recoverable through the unlock or create flow.
	KindCredentialState

	// KindBackendFailure describes an estimation, proof, or population
	// error from the proving backend, surfaced verbatim.
	KindBackendFailure

	// KindChainRejection describes a broadcast or inclusion failure on
	// the public chain.
	KindChainRejection

	// KindCanceled describes a run stopped by caller-driven context
	// cancellation between stages.  Nothing is wrong with the backend or
	// the chain; the caller chose to stop.
	KindCanceled
)

var kindStrings = map[ErrorKind]string{
	KindInputValidation: "InputValidation",
	KindCredentialState: "CredentialState",
	KindBackendFailure:  "BackendFailure",
	KindChainRejection:  "ChainRejection",
	KindCanceled:        "Canceled",
}

// String returns the ErrorKind as a human-readable name.
func (k ErrorKind) String() string {
	if s := kindStrings[k]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorKind (%d)", int(k))
}

// PipelineError reports which stage of a pipeline run failed and how.  When
// a transaction hash was obtained before the failure (an approval that
// landed, or a broadcast that later reverted) it is carried along so the
// caller can report the on-chain fact and skip redundant work on the next
// attempt.
type PipelineError struct {
	Stage       Stage
	Kind        ErrorKind
	TxHash      string
	Description string
	Err         error
}

// Error satisfies the error interface and prints human-readable errors.
func (e *PipelineError) Error() string {
	s := fmt.Sprintf("%s failed (%s): %s", e.Stage, e.Kind, e.Description)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying error, if any.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

func pipelineError(stage Stage, kind ErrorKind, desc string, err error) *PipelineError {
	return &PipelineError{Stage: stage, Kind: kind, Description: desc, Err: err}
}
