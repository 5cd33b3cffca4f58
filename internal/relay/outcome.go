package relay

import "github.com/patrickwarner/convertrelay/internal/tracking"

// Pipeline stages, in execution order.
const (
	StageResolve   = "resolve"
	StageValidate  = "validate"
	StageFilter    = "filter"
	StageClassify  = "classify"
	StageNormalize = "normalize"
	StageDispatch  = "dispatch"
	StagePanic     = "panic"
)

// Outcome statuses.
const (
	StatusReported  = "reported"
	StatusNotFound  = "not_found"
	StatusFiltered  = "filtered"
	StatusDropped   = "dropped"
	StatusMalformed = "malformed"
	StatusFailed    = "failed"
)

// Outcome is the result of running one event through the pipeline. Stage is
// the last stage reached.
type Outcome struct {
	Event      string
	EventID    string
	Stage      string
	Status     string
	Deliveries []tracking.Delivery
	Err        error
}

// Delivered returns the deliveries of the given kind.
func (o Outcome) Delivered(kind string) []tracking.Delivery {
	var out []tracking.Delivery
	for _, d := range o.Deliveries {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}
