package pipeline

import (
	"time"
)

/*
Report is the per-tool outcome handed back to the CLI: terminal state,
the reason when it failed, timing, what was applied and a truncated log
excerpt sufficient for diagnosis.
*/
type Report struct {
	Tool     string
	RunID    string
	State    State
	Reason   string
	Applied  []string
	Warnings []string
	Artifact string
	Mapping  string
	Seed     int64
	Elapsed  time.Duration
	LogTail  string
}

// Succeeded reports whether the run ended in Published.
func (r Report) Succeeded() bool {
	return r.State == StatePublished
}
