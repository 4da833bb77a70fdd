package anomaly

// Run is a maximal sequence of adjacent flagged samples, [Start, End] inclusive.
type Run struct {
	Start int
	End   int
}

// Len returns the number of samples in the run.
func (r Run) Len() int { return r.End - r.Start + 1 }

// Runs returns every maximal run of true values whose length is at least minRun.
func Runs(flags []bool, minRun int) []Run {
	if minRun < 1 {
		minRun = 1
	}
	var runs []Run
	start := -1
	for i, f := range flags {
		switch {
		case f && start < 0:
			start = i
		case !f && start >= 0:
			if i-start >= minRun {
				runs = append(runs, Run{Start: start, End: i - 1})
			}
			start = -1
		}
	}
	if start >= 0 && len(flags)-start >= minRun {
		runs = append(runs, Run{Start: start, End: len(flags) - 1})
	}
	return runs
}

// MarkRuns returns a flag series where only samples inside a qualifying run
// remain set.
func MarkRuns(flags []bool, minRun int) []bool {
	out := make([]bool, len(flags))
	for _, r := range Runs(flags, minRun) {
		for i := r.Start; i <= r.End; i++ {
			out[i] = true
		}
	}
	return out
}

// LongestRun returns the length of the longest run of true values.
func LongestRun(flags []bool) int {
	longest, cur := 0, 0
	for _, f := range flags {
		if f {
			cur++
			if cur > longest {
				longest = cur
			}
		} else {
			cur = 0
		}
	}
	return longest
}
