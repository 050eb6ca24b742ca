package jobs

import (
	"testing"

	"github.com/google/uuid"
)

func TestBuildPlanExclusiveJob(t *testing.T) {
	feed := uuid.New()
	job := &Job{ID: uuid.New(), Type: TypeFeedIndex, FeedID: &feed}

	plan := BuildPlan(job, []string{"a", "b", "c"})
	if len(plan.Steps) != 5 {
		t.Fatalf("expected 5 steps, got %d", len(plan.Steps))
	}
	if plan.Steps[0].Kind != StepAwaitMutex {
		t.Fatalf("expected first step await_mutex, got %s", plan.Steps[0].Kind)
	}
	for i, item := range []string{"a", "b", "c"} {
		step := plan.Steps[i+1]
		if step.Kind != StepUnit || step.Item != item {
			t.Fatalf("expected unit %q at %d, got %+v", item, i+1, step)
		}
	}
	if plan.Steps[4].Kind != StepFinalize {
		t.Fatalf("expected last step finalize, got %s", plan.Steps[4].Kind)
	}
}

func TestBuildPlanNonExclusiveAndEmpty(t *testing.T) {
	job := &Job{ID: uuid.New(), Type: TypePDFIndex}
	plan := BuildPlan(job, nil)
	if len(plan.Steps) != 2 || plan.Steps[0].Kind != StepBegin || plan.Steps[1].Kind != StepFinalize {
		t.Fatalf("expected [begin finalize], got %+v", plan.Steps)
	}
}

func TestTaskToFinalizeKeepsPlan(t *testing.T) {
	feed := uuid.New()
	job := &Job{ID: uuid.New(), Type: TypeFeedIndex, FeedID: &feed}
	task := Task{Plan: BuildPlan(job, []string{"a", "b"}), Attempt: 7}

	next := task.toFinalize(AbortLock)
	step, ok := next.Current()
	if !ok || step.Kind != StepFinalize {
		t.Fatalf("expected cursor on finalize, got %+v", step)
	}
	if next.Attempt != 0 || next.Abort != AbortLock {
		t.Fatalf("expected attempt reset and abort recorded, got %+v", next)
	}

	retrieve := Task{Plan: Plan{JobID: job.ID, Steps: []Step{{Kind: StepRetrieve}}}}
	fin := retrieve.toFinalize(AbortRetrieve)
	if step, _ := fin.Current(); step.Kind != StepFinalize {
		t.Fatalf("expected finalize appended for retrieve-only task, got %+v", fin.Steps)
	}
}

func TestItemKeyIsPositional(t *testing.T) {
	job := &Job{ID: uuid.New(), Type: TypePDFIndex}
	task := Task{Plan: BuildPlan(job, []string{"x", "x"})}
	task.Cursor = 1
	a := task.itemKey()
	task.Cursor = 2
	b := task.itemKey()
	if a == b {
		t.Fatalf("expected repeated items to have distinct keys, got %q", a)
	}
}

func TestTerminalStateDecisionOrder(t *testing.T) {
	cases := []struct {
		name  string
		job   Job
		abort AbortReason
		want  State
	}{
		{"cancel wins over counters", Job{Type: TypeFeedIndex, CancelRequested: true, FailedProcesses: 3}, AbortNone, StateCancelled},
		{"cancel wins over lock abort", Job{Type: TypeFeedIndex, CancelRequested: true}, AbortLock, StateCancelled},
		{"retrieve abort", Job{Type: TypeFeedIndex}, AbortRetrieve, StateRetrieveFailed},
		{"lock abort", Job{Type: TypeFeedIndex}, AbortLock, StateProcessFailed},
		{"total failure", Job{Type: TypeFeedIndex, FailedProcesses: 2}, AbortNone, StateProcessFailed},
		{"partial failure", Job{Type: TypeFeedIndex, ProcessedItems: 2, FailedProcesses: 1}, AbortNone, StateProcessed},
		{"fail fast type", Job{Type: TypeSyncVulnerabilities, ProcessedItems: 100, FailedProcesses: 1}, AbortNone, StateProcessFailed},
		{"no items", Job{Type: TypeFeedIndex}, AbortNone, StateProcessed},
	}
	for _, tc := range cases {
		if got := terminalState(&tc.job, tc.abort); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}
