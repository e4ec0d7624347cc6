package metrics

import "context"

const (
	// TypeFrequency is the current scaling frequency gauge in hertz.
	TypeFrequency = "cpufreq"
	// TypeTransitions is the per-interval delta of the frequency transition counter.
	TypeTransitions = "transitions"
	// TypeTimeInState is the per-interval residency delta for one frequency state, in 10ms ticks.
	TypeTimeInState = "time_in_state"
)

// Sample is one emitted gauge value for one CPU.
// Params: CPU index, metric category, optional sub-identifier and value.
// Returns: one sample forwarded to the metric sink.
type Sample struct {
	CPU          int
	Type         string
	TypeInstance string
	Value        float64
}

// Collector runs one sampling pass and returns emitted samples.
// Params: context for cancellation and deadlines.
// Returns: sample list or scrape error.
type Collector interface {
	Name() string
	Scrape(ctx context.Context) ([]Sample, error)
}
