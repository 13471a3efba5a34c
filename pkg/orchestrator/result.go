package orchestrator

import "go.uber.org/multierr"

// Result is returned by both the Start and Stop orchestrators.
type Result struct {
	// Success is true iff zero errors accumulated over the run; warnings
	// never affect this.
	Success  bool
	Warnings []string
	Errors   []string
	Trace    *Trace

	err error
}

func newResult() *Result {
	return &Result{Trace: &Trace{}}
}

// addError accumulates err into the run's combined error, the same
// multierr.Combine pattern the kwok EC2 fake uses to collect per-call
// failures without aborting the loop that produced them.
func (r *Result) addError(err error) {
	r.err = multierr.Append(r.err, err)
}

func (r *Result) finish() *Result {
	for _, e := range multierr.Errors(r.err) {
		r.Errors = append(r.Errors, e.Error())
	}
	r.Success = r.err == nil
	r.Warnings = r.Trace.Warnings()
	return r
}
