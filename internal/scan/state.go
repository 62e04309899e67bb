package scan

import (
	"time"

	"github.com/franckalain/healthscan/internal/models"
)

// State is a phase of the scan session.
type State string

const (
	Idle             State = "idle"
	Capturing        State = "capturing"
	ResolvingProduct State = "resolving_product"
	AnalyzingHealth  State = "analyzing_health"
	Persisting       State = "persisting"
	Settled          State = "settled"
	Failed           State = "failed"
)

// InFlight reports whether a pipeline is running in s.
func (s State) InFlight() bool {
	return s == ResolvingProduct || s == AnalyzingHealth || s == Persisting
}

// Terminal reports whether s is waiting to be closed or acknowledged.
func (s State) Terminal() bool {
	return s == Settled || s == Failed
}

// Kind classifies a failed scan.
type Kind string

const (
	NotFound       Kind = "not_found"
	LookupFailed   Kind = "lookup_failed"
	AnalysisFailed Kind = "analysis_failed"
)

// Failure is the reason a session ended in Failed. Message is meant for the
// user; Err is the underlying cause, if any.
type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return string(f.Kind) + ": " + f.Message + ": " + f.Err.Error()
	}
	return string(f.Kind) + ": " + f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

// Event is a snapshot of the session published on every transition.
type Event struct {
	State   State              `json:"state"`
	Barcode string             `json:"barcode,omitempty"`
	Product *models.Product    `json:"product,omitempty"`
	Record  *models.ScanRecord `json:"record,omitempty"`
	Failure *Failure           `json:"failure,omitempty"`
	At      time.Time          `json:"at"`
}

// Result is what Submit returns to its caller.
type Result struct {
	// Accepted is false when the barcode was dropped by the dedup guard or
	// because another session was running.
	Accepted bool `json:"accepted"`
	// Discarded is true when the session was cancelled before the pipeline
	// finished; whatever it produced was thrown away.
	Discarded bool               `json:"discarded"`
	State     State              `json:"state"`
	Record    *models.ScanRecord `json:"record,omitempty"`
	Failure   *Failure           `json:"failure,omitempty"`
}

// Err returns the failure as an error, or nil.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}
