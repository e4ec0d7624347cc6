package metrics

import "cpufreqd/internal/sysfs"

// Capabilities are process-wide flags fixed at discovery.
// Params: Residency enables time_in_state; Transitions enables total_trans.
// Returns: flag pair shared by all CPUs.
type Capabilities struct {
	Residency   bool
	Transitions bool
}

type residencySlot struct {
	label string
	prior int64
}

// cpuCounters holds previous kernel counter values for one CPU.
type cpuCounters struct {
	transitions int64
	residency   []residencySlot
}

// observeTransitions diffs the transition counter and stores current value.
// Params: current counter read from total_trans.
// Returns: signed delta (negative on counter reset).
func (c *cpuCounters) observeTransitions(current int64) int64 {
	delta := current - c.transitions
	c.transitions = current
	return delta
}

// seedResidency stores residency values read at discovery.
// Params: pairs ordered time_in_state lines.
// Returns: none.
func (c *cpuCounters) seedResidency(pairs []sysfs.LabelValue) {
	c.residency = make([]residencySlot, len(pairs))
	for idx, pair := range pairs {
		c.residency[idx] = residencySlot{label: pair.Label, prior: pair.Value}
	}
}

// observeResidency diffs residency values by line position and stores current values.
// Positions not seen before are diffed against zero and appended.
// Params: pairs ordered time_in_state lines.
// Returns: per-position deltas and positions whose label differs from the stored one.
func (c *cpuCounters) observeResidency(pairs []sysfs.LabelValue) ([]int64, []int) {
	deltas := make([]int64, len(pairs))
	var relabeled []int

	for idx, pair := range pairs {
		if idx >= len(c.residency) {
			c.residency = append(c.residency, residencySlot{label: pair.Label})
		}
		slot := &c.residency[idx]
		if slot.label != pair.Label {
			relabeled = append(relabeled, idx)
			slot.label = pair.Label
		}
		deltas[idx] = pair.Value - slot.prior
		slot.prior = pair.Value
	}

	return deltas, relabeled
}
