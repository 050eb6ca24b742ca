package jobs

// State represents the lifecycle state of a job. These values must match
// the text values stored in the database (jobs.state).
//
// A job moves RETRIEVING -> QUEUED -> PROCESSING and ends in exactly one
// terminal state.
type State string

const (
	StateRetrieving     State = "RETRIEVING"
	StateQueued         State = "QUEUED"
	StateProcessing     State = "PROCESSING"
	StateProcessed      State = "PROCESSED"
	StateProcessFailed  State = "PROCESS_FAILED"
	StateCancelled      State = "CANCELLED"
	StateRetrieveFailed State = "RETRIEVE_FAILED"
)

// ActiveStates lists every non-terminal state.
var ActiveStates = []State{StateRetrieving, StateQueued, StateProcessing}

func (s State) Terminal() bool {
	switch s {
	case StateProcessed, StateProcessFailed, StateCancelled, StateRetrieveFailed:
		return true
	}
	return false
}

func (s State) Valid() bool {
	return s.Terminal() || s == StateRetrieving || s == StateQueued || s == StateProcessing
}

// Type selects the Variant that retrieves and processes a job's items.
type Type string

const (
	TypeFeedIndex           Type = "FEED_INDEX"
	TypePostBackfill        Type = "POST_BACKFILL"
	TypePDFIndex            Type = "PDF_INDEX"
	TypeReprocessPosts      Type = "REPROCESS_POSTS"
	TypeSyncVulnerabilities Type = "SYNC_VULNERABILITIES"
)

var Types = []Type{TypeFeedIndex, TypePostBackfill, TypePDFIndex, TypeReprocessPosts, TypeSyncVulnerabilities}

func (t Type) Valid() bool {
	for _, v := range Types {
		if t == v {
			return true
		}
	}
	return false
}

// FeedRequired reports whether a job of this type must name a feed.
func (t Type) FeedRequired() bool {
	return t == TypeFeedIndex || t == TypePostBackfill || t == TypeReprocessPosts
}

// FeedAllowed reports whether a job of this type may name a feed.
func (t Type) FeedAllowed() bool {
	return t != TypeSyncVulnerabilities
}

// Exclusive reports whether jobs of this type hold the feed lock while
// processing. PDF regeneration does not contend with indexing.
func (t Type) Exclusive() bool {
	return t != TypePDFIndex && t != TypeSyncVulnerabilities
}

// InitialState is the state a new job is created in. Types whose items
// come from fetching the feed start in RETRIEVING.
func (t Type) InitialState() State {
	if t == TypeFeedIndex || t == TypePostBackfill {
		return StateRetrieving
	}
	return StateQueued
}

// FailFast reports whether a single failed unit fails the whole job.
func (t Type) FailFast() bool {
	return t == TypeSyncVulnerabilities
}
