package models

// CrawlState is the outcome of the latest processing attempt of a reference.
type CrawlState string

const (
	StateUnset      CrawlState = ""           // Zero value = not yet determined
	StateNew        CrawlState = "NEW"        // First time seen and accepted
	StateModified   CrawlState = "MODIFIED"   // Seen before, content changed
	StateUnmodified CrawlState = "UNMODIFIED" // Seen before, content unchanged
	StateError      CrawlState = "ERROR"      // Processing raised an error
	StateRejected   CrawlState = "REJECTED"   // Rejected by a filter, dedup or the importer
	StateBadStatus  CrawlState = "BAD_STATUS" // Source answered with an unusable status
	StateDeleted    CrawlState = "DELETED"    // Removed from committers
	StateNotFound   CrawlState = "NOT_FOUND"  // Source no longer exists
	StatePremature  CrawlState = "PREMATURE"  // Too early to recrawl, previous data kept
)

// String implements fmt.Stringer for logging
func (s CrawlState) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the state is a known value
func (s CrawlState) IsValid() bool {
	switch s {
	case StateNew, StateModified, StateUnmodified, StateError, StateRejected,
		StateBadStatus, StateDeleted, StateNotFound, StatePremature:
		return true
	}
	return false
}

// IsGoodState reports whether a reference in this state holds usable data.
// Good references are kept as CACHED for the next session.
func (s CrawlState) IsGoodState() bool {
	switch s {
	case StateNew, StateModified, StateUnmodified, StatePremature:
		return true
	}
	return false
}

// IsNewOrModified reports whether the state calls for a committer upsert.
func (s CrawlState) IsNewOrModified() bool {
	return s == StateNew || s == StateModified
}

// IsOneOf reports whether s equals any of states.
func (s CrawlState) IsOneOf(states ...CrawlState) bool {
	for _, other := range states {
		if s == other {
			return true
		}
	}
	return false
}

// Stage is the store partition a reference currently lives in.
type Stage string

const (
	StageNone      Stage = ""          // Unknown to the store
	StageQueued    Stage = "queued"    // Waiting to be polled
	StageActive    Stage = "active"    // Owned by a worker
	StageProcessed Stage = "processed" // Finalized this session
	StageCached    Stage = "cached"    // Good result from the previous session
)

// String implements fmt.Stringer for logging
func (s Stage) String() string {
	if s == "" {
		return "none"
	}
	return string(s)
}

// ParseStage converts the textual form back to a Stage.
func ParseStage(v string) (Stage, bool) {
	switch Stage(v) {
	case StageQueued, StageActive, StageProcessed, StageCached:
		return Stage(v), true
	}
	return StageNone, false
}
