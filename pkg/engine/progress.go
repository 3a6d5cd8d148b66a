package engine

// ProgressReport summarises one status payload. It is a value computed
// fresh from every poll and keeps no state between polls.
type ProgressReport struct {
	cases []CaseProgress
}

// NewProgressReport builds a report over the given per-case progress entries.
// The slice is copied.
func NewProgressReport(cases []CaseProgress) ProgressReport {
	if len(cases) == 0 {
		return ProgressReport{}
	}
	cp := make([]CaseProgress, len(cases))
	copy(cp, cases)
	return ProgressReport{cases: cp}
}

// TotalCases returns the number of cases in the payload.
func (r ProgressReport) TotalCases() int {
	return len(r.cases)
}

// CompilationDone returns the number of cases whose compilation finished.
// A case in the simulation stage has necessarily finished compiling.
func (r ProgressReport) CompilationDone() int {
	n := 0
	for _, c := range r.cases {
		if (c.Stage == StageCompilation && c.Done) || c.Stage == StageSimulation {
			n++
		}
	}
	return n
}

// SimulationStarted returns the number of cases that reached the simulation stage.
func (r ProgressReport) SimulationStarted() int {
	n := 0
	for _, c := range r.cases {
		if c.Stage == StageSimulation {
			n++
		}
	}
	return n
}

// SimulationDone returns the number of cases whose simulation finished.
func (r ProgressReport) SimulationDone() int {
	n := 0
	for _, c := range r.cases {
		if c.Stage == StageSimulation && c.Done {
			n++
		}
	}
	return n
}

// CompilationProgress returns the fraction of cases done compiling, in [0,1].
// It is 0 for a payload without cases.
func (r ProgressReport) CompilationProgress() float64 {
	if len(r.cases) == 0 {
		return 0
	}
	return float64(r.CompilationDone()) / float64(len(r.cases))
}

// SimulationProgress returns the fraction of simulated cases over the cases
// that reached simulation, in [0,1]. It is 0 while no case reached simulation.
func (r ProgressReport) SimulationProgress() float64 {
	started := r.SimulationStarted()
	if started == 0 {
		return 0
	}
	return float64(r.SimulationDone()) / float64(started)
}

// Stages returns the stage label of each case in case order.
func (r ProgressReport) Stages() []Stage {
	out := make([]Stage, len(r.cases))
	for i, c := range r.cases {
		out[i] = c.Stage
	}
	return out
}

// Cases returns a copy of the per-case entries.
func (r ProgressReport) Cases() []CaseProgress {
	out := make([]CaseProgress, len(r.cases))
	copy(out, r.cases)
	return out
}

// FinishedCases returns the total number of finished phases across cases.
// It never decreases across polls of a healthy execution.
func (r ProgressReport) FinishedCases() int {
	return r.CompilationDone() + r.SimulationDone()
}
