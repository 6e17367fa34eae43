package jobs

import "fmt"

// transitions is the complete job state machine.
var transitions = map[Status][]Status{
	StatusScheduled: {StatusClaimed, StatusCanceled},
	StatusClaimed:   {StatusCompleted, StatusFailed, StatusScheduled},
	StatusFailed:    {StatusScheduled},
}

// CanTransition reports whether from -> to is allowed.
// claimed -> scheduled is reserved for stuck-job reclaim.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Aggregate derives the job status from its targets. A job fails when any
// target failed; its error is the first failed target's error in target order.
func Aggregate(targets []Target) (Status, string) {
	firstErr := ""
	failed := false
	for _, t := range targets {
		switch t.Status {
		case TargetSent:
		case TargetFailed:
			if !failed {
				failed = true
				firstErr = t.LastError
				if firstErr == "" {
					firstErr = fmt.Sprintf("target %s failed", t.ID)
				}
			}
		default:
			if !failed {
				failed = true
				firstErr = fmt.Sprintf("target %s was not attempted", t.ID)
			}
		}
	}
	if failed {
		return StatusFailed, firstErr
	}
	return StatusCompleted, ""
}
