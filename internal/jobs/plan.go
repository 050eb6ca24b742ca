package jobs

import (
	"fmt"

	"github.com/google/uuid"
)

type StepKind string

const (
	StepRetrieve   StepKind = "retrieve"
	StepAwaitMutex StepKind = "await_mutex"
	StepBegin      StepKind = "begin"
	StepUnit       StepKind = "unit"
	StepSibling    StepKind = "sibling"
	StepFinalize   StepKind = "finalize"
)

type Step struct {
	Kind StepKind `json:"kind"`
	Item string   `json:"item,omitempty"`
}

// Plan is the ordered chain of steps for one job.
type Plan struct {
	JobID uuid.UUID `json:"job_id"`
	Steps []Step    `json:"steps"`
}

// BuildPlan returns [await_mutex|begin] -> one unit per item in the given
// order -> finalize. Jobs that hold a feed lock start with await_mutex;
// the rest start with begin. The finalize step is always present.
func BuildPlan(job *Job, items []string) Plan {
	steps := make([]Step, 0, len(items)+2)
	if _, ok := job.ExclusiveFeed(); ok {
		steps = append(steps, Step{Kind: StepAwaitMutex})
	} else {
		steps = append(steps, Step{Kind: StepBegin})
	}
	for _, item := range items {
		steps = append(steps, Step{Kind: StepUnit, Item: item})
	}
	steps = append(steps, Step{Kind: StepFinalize})
	return Plan{JobID: job.ID, Steps: steps}
}

// AbortReason tells the finalizer why the chain skipped to the end.
type AbortReason string

const (
	AbortNone     AbortReason = ""
	AbortRetrieve AbortReason = "retrieve"
	AbortLock     AbortReason = "lock"
	AbortInfra    AbortReason = "infrastructure"
)

// Task is the queue payload: a plan and the position of the step to run.
type Task struct {
	Plan
	Cursor  int         `json:"cursor"`
	Attempt int         `json:"attempt,omitempty"`
	Abort   AbortReason `json:"abort,omitempty"`
}

func (t Task) Current() (Step, bool) {
	if t.Cursor < 0 || t.Cursor >= len(t.Steps) {
		return Step{}, false
	}
	return t.Steps[t.Cursor], true
}

func (t Task) next() Task {
	t.Cursor++
	t.Attempt = 0
	return t
}

// toFinalize skips the remaining steps.
func (t Task) toFinalize(reason AbortReason) Task {
	t.Attempt = 0
	t.Abort = reason
	if n := len(t.Steps); n > 0 && t.Steps[n-1].Kind == StepFinalize {
		t.Cursor = n - 1
		return t
	}
	t.Steps = []Step{{Kind: StepFinalize}}
	t.Cursor = 0
	return t
}

// itemKey identifies the current step for idempotent outcome recording.
func (t Task) itemKey() string {
	step, _ := t.Current()
	return fmt.Sprintf("%s:%d:%s", step.Kind, t.Cursor, step.Item)
}
