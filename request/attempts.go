package request

import "time"

// Dispatch captures the inputs recorded when a new attempt is started.
type Dispatch struct {
	Ref     string
	HeadSHA string
	Actor   string
	At      time.Time
}

// StartAttempt appends a new attempt with the next dense attempt number for
// the kind and advances CurrentAttempt. The new attempt has no run id; the
// reconciler discovers it later.
func StartAttempt(runs RunsState, kind OperationKind, d Dispatch) AttemptRecord {
	op, ok := runs[kind]
	if !ok {
		op = &OperationRuns{}
		runs[kind] = op
	}
	attempt := AttemptRecord{
		Attempt:      op.CurrentAttempt + 1,
		DispatchedAt: d.At,
		Ref:          d.Ref,
		HeadSHA:      d.HeadSHA,
		Actor:        d.Actor,
	}
	op.Attempts = append(op.Attempts, attempt)
	op.CurrentAttempt = attempt.Attempt
	return attempt
}

// PatchAttemptRunID attaches a discovered run id to the addressed attempt.
// It is a no-op when the attempt already has a run id (a concurrent discovery
// won the race) or when the attempt number does not exist. The boolean result
// reports whether anything changed.
func PatchAttemptRunID(runs RunsState, kind OperationKind, attemptNumber int, runID int64, url string) bool {
	op, ok := runs[kind]
	if !ok {
		return false
	}
	for i := range op.Attempts {
		a := &op.Attempts[i]
		if a.Attempt != attemptNumber {
			continue
		}
		if a.RunID != nil {
			return false
		}
		a.RunID = &runID
		if url != "" {
			a.URL = url
		}
		return true
	}
	return false
}

// RunFields carries the fields consumed from a fetched workflow run or a
// workflow_run webhook payload.
type RunFields struct {
	Status     string
	Conclusion string
	HeadSHA    string
	URL        string
	// CompletedAt is the CI payload's explicit completion timestamp.
	CompletedAt *time.Time
	// UpdatedAt is the payload's last-update timestamp, used as a completion
	// fallback only when Status is "completed".
	UpdatedAt *time.Time
}

// PatchAttemptByRunID merges fetched run state into the attempt owning runID.
// It returns false when the merge would not change any field, which is what
// keeps duplicate webhook deliveries from bumping the document version or
// re-emitting side effects.
func PatchAttemptByRunID(runs RunsState, kind OperationKind, runID int64, f RunFields) bool {
	op, ok := runs[kind]
	if !ok {
		return false
	}
	for i := range op.Attempts {
		a := &op.Attempts[i]
		if a.RunID == nil || *a.RunID != runID {
			continue
		}
		changed := false
		if f.Status != "" && a.Status != f.Status {
			a.Status = f.Status
			changed = true
		}
		if f.Conclusion != "" && a.Conclusion != f.Conclusion {
			a.Conclusion = f.Conclusion
			changed = true
		}
		if f.HeadSHA != "" && a.HeadSHA != f.HeadSHA {
			a.HeadSHA = f.HeadSHA
			changed = true
		}
		if f.URL != "" && a.URL != f.URL {
			a.URL = f.URL
			changed = true
		}
		if completed := completionTime(f); completed != nil {
			if a.CompletedAt == nil || !a.CompletedAt.Equal(*completed) {
				t := *completed
				a.CompletedAt = &t
				changed = true
			}
		}
		return changed
	}
	return false
}

func completionTime(f RunFields) *time.Time {
	if f.CompletedAt != nil && !f.CompletedAt.IsZero() {
		return f.CompletedAt
	}
	if f.Status == "completed" && f.UpdatedAt != nil && !f.UpdatedAt.IsZero() {
		return f.UpdatedAt
	}
	return nil
}

// NeedsReconcile reports whether an attempt still needs a run fetch: it has a
// correlated run id and no recorded conclusion. The status string is
// deliberately ignored so a run stuck reporting an unrecognized status is
// still re-fetched.
func NeedsReconcile(a AttemptRecord) bool {
	return a.RunID != nil && a.Conclusion == ""
}

// IsAttemptActive reports whether CI considers the run in flight.
func IsAttemptActive(a AttemptRecord) bool {
	switch a.Status {
	case "queued", "in_progress":
		return true
	default:
		return false
	}
}

// IsTerminalRun reports whether fetched run fields describe a finished run.
func IsTerminalRun(f RunFields) bool {
	return f.Status == "completed" && f.Conclusion != ""
}
