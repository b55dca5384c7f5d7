package coordinator

import (
	"strings"
	"testing"
	"time"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

var faninBase = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func taskCreate(id, to string, params map[string]interface{}, seq int64) *v1.Envelope {
	return &v1.Envelope{
		ID:     id,
		Schema: v1.SchemaVersion,
		Type:   v1.EnvelopeTypeTaskCreate,
		Routing: v1.Routing{
			ProjectID: "proj-1",
			From:      "human:ada",
			To:        to,
		},
		Payload:    v1.Payload{Text: "index the repository", Params: params},
		Status:     v1.EnvelopeStatusSent,
		Timestamps: v1.Timestamps{Created: faninBase, Updated: faninBase},
		Seq:        seq,
	}
}

func siblingReport(id, from, taskID string, status v1.EnvelopeStatus, seq int64) *v1.Envelope {
	return &v1.Envelope{
		ID:     id,
		Schema: v1.SchemaVersion,
		Type:   v1.EnvelopeTypeToolResult,
		Routing: v1.Routing{
			ProjectID: "proj-1",
			From:      from,
			To:        "agent:coordinator",
			ReplyTo:   taskID,
		},
		Status:     status,
		Timestamps: v1.Timestamps{Created: faninBase, Updated: faninBase},
		Seq:        seq,
	}
}

func TestFanInSingleRecipientConsolidates(t *testing.T) {
	f := NewFanIn(2, time.Minute)

	if actions := f.Observe(taskCreate("task-1", "agent:worker", nil, 1)); len(actions) != 0 {
		t.Fatalf("task-create produced actions: %v", actions)
	}

	actions := f.Observe(siblingReport("r-1", "agent:worker", "task-1", v1.EnvelopeStatusDone, 2))
	if len(actions) != 1 || actions[0].Kind != ActionConsolidate {
		t.Fatalf("expected consolidate, got %v", actions)
	}
	if actions[0].TaskID != "task-1" || actions[0].Origin != "human:ada" {
		t.Errorf("consolidate carries wrong addressing: %+v", actions[0])
	}
}

func TestFanInDeclaredSiblingSet(t *testing.T) {
	f := NewFanIn(2, time.Minute)
	params := map[string]interface{}{
		"sibling_agents": []interface{}{"agent:alpha", "agent:beta"},
	}
	f.Observe(taskCreate("task-1", v1.RecipientBroadcast, params, 1))

	if actions := f.Observe(siblingReport("r-1", "agent:alpha", "task-1", v1.EnvelopeStatusDone, 2)); len(actions) != 0 {
		t.Fatalf("premature action after 1 of 2: %v", actions)
	}
	// An agent outside the declared set never fills a slot.
	if actions := f.Observe(siblingReport("r-2", "agent:stranger", "task-1", v1.EnvelopeStatusDone, 3)); len(actions) != 0 {
		t.Fatalf("stranger produced actions: %v", actions)
	}

	actions := f.Observe(siblingReport("r-3", "agent:beta", "task-1", v1.EnvelopeStatusDone, 4))
	if len(actions) != 1 || actions[0].Kind != ActionConsolidate {
		t.Fatalf("expected consolidate after full set, got %v", actions)
	}
}

func TestFanInSiblingCountOnly(t *testing.T) {
	f := NewFanIn(2, time.Minute)
	params := map[string]interface{}{"sibling_count": float64(2)}
	f.Observe(taskCreate("task-1", v1.RecipientBroadcast, params, 1))

	if actions := f.Observe(siblingReport("r-1", "agent:alpha", "task-1", v1.EnvelopeStatusDone, 2)); len(actions) != 0 {
		t.Fatalf("premature action: %v", actions)
	}
	actions := f.Observe(siblingReport("r-2", "agent:beta", "task-1", v1.EnvelopeStatusDone, 3))
	if len(actions) != 1 || actions[0].Kind != ActionConsolidate {
		t.Fatalf("expected consolidate, got %v", actions)
	}
	// Late third responder lands after resolution and changes nothing.
	if actions := f.Observe(siblingReport("r-4", "agent:gamma", "task-1", v1.EnvelopeStatusDone, 4)); len(actions) != 0 {
		t.Fatalf("resolved task produced actions: %v", actions)
	}
}

func TestFanInRetryBudgetThenEscalate(t *testing.T) {
	f := NewFanIn(2, time.Minute)
	f.Observe(taskCreate("task-1", "agent:worker", nil, 1))

	a1 := f.Observe(siblingReport("r-1", "agent:worker", "task-1", v1.EnvelopeStatusError, 2))
	if len(a1) != 1 || a1[0].Kind != ActionRetry || a1[0].Attempt != 1 {
		t.Fatalf("expected retry attempt 1, got %v", a1)
	}
	a2 := f.Observe(siblingReport("r-2", "agent:worker", "task-1", v1.EnvelopeStatusError, 3))
	if len(a2) != 1 || a2[0].Kind != ActionRetry || a2[0].Attempt != 2 {
		t.Fatalf("expected retry attempt 2, got %v", a2)
	}
	a3 := f.Observe(siblingReport("r-3", "agent:worker", "task-1", v1.EnvelopeStatusError, 4))
	if len(a3) != 1 || a3[0].Kind != ActionEscalate {
		t.Fatalf("expected escalation past budget, got %v", a3)
	}
	if a3[0].Outcome != "needs_human" {
		t.Errorf("escalation outcome = %q", a3[0].Outcome)
	}
	if !strings.Contains(a3[0].Reason, "retry budget") {
		t.Errorf("escalation reason = %q", a3[0].Reason)
	}
}

func TestFanInErrorThenDoneRecovers(t *testing.T) {
	f := NewFanIn(2, time.Minute)
	f.Observe(taskCreate("task-1", "agent:worker", nil, 1))

	if actions := f.Observe(siblingReport("r-1", "agent:worker", "task-1", v1.EnvelopeStatusError, 2)); len(actions) != 1 || actions[0].Kind != ActionRetry {
		t.Fatalf("expected retry, got %v", actions)
	}
	actions := f.Observe(siblingReport("r-2", "agent:worker", "task-1", v1.EnvelopeStatusDone, 3))
	if len(actions) != 1 || actions[0].Kind != ActionConsolidate {
		t.Fatalf("expected consolidate after recovery, got %v", actions)
	}
}

func TestFanInConflictingResultsEscalate(t *testing.T) {
	f := NewFanIn(2, time.Minute)
	params := map[string]interface{}{
		"sibling_agents": []interface{}{"agent:alpha", "agent:beta"},
	}
	f.Observe(taskCreate("task-1", v1.RecipientBroadcast, params, 1))
	f.Observe(siblingReport("r-1", "agent:alpha", "task-1", v1.EnvelopeStatusDone, 2))

	actions := f.Observe(siblingReport("r-2", "agent:alpha", "task-1", v1.EnvelopeStatusError, 3))
	if len(actions) != 1 || actions[0].Kind != ActionEscalate {
		t.Fatalf("expected ambiguity escalation, got %v", actions)
	}
	if !apperrors.IsAggregationAmbiguity(actions[0].Cause) {
		t.Errorf("cause = %v, want aggregation ambiguity", actions[0].Cause)
	}
	if !strings.Contains(actions[0].Reason, "cannot reconcile") {
		t.Errorf("reason = %q", actions[0].Reason)
	}
	if actions[0].Percent != 50 {
		t.Errorf("frozen percent = %d, want 50", actions[0].Percent)
	}
}

func TestFanInDuplicateReportsAreIdempotent(t *testing.T) {
	f := NewFanIn(2, time.Minute)
	params := map[string]interface{}{"sibling_count": float64(2)}
	f.Observe(taskCreate("task-1", v1.RecipientBroadcast, params, 1))
	f.Observe(taskCreate("task-1", v1.RecipientBroadcast, params, 1)) // replay

	f.Observe(siblingReport("r-1", "agent:alpha", "task-1", v1.EnvelopeStatusDone, 2))
	if actions := f.Observe(siblingReport("r-1", "agent:alpha", "task-1", v1.EnvelopeStatusDone, 2)); len(actions) != 0 {
		t.Fatalf("duplicate done produced actions: %v", actions)
	}

	task, ok := f.Lookup("task-1")
	if !ok {
		t.Fatal("task not tracked")
	}
	if task.ExpectedCount != 2 || len(task.Observed) != 1 {
		t.Errorf("state after replay: expected=%d observed=%d", task.ExpectedCount, len(task.Observed))
	}
}

func TestFanInTimeoutEscalatesOnce(t *testing.T) {
	f := NewFanIn(2, time.Minute)
	f.Observe(taskCreate("task-1", "agent:worker", nil, 1))

	if actions := f.Expired(faninBase.Add(30 * time.Second)); len(actions) != 0 {
		t.Fatalf("escalated before deadline: %v", actions)
	}

	actions := f.Expired(faninBase.Add(2 * time.Minute))
	if len(actions) != 1 || actions[0].Kind != ActionEscalate || actions[0].Outcome != "timeout" {
		t.Fatalf("expected timeout escalation, got %v", actions)
	}
	if !apperrors.IsDeliveryTimeout(actions[0].Cause) {
		t.Errorf("cause = %v, want delivery timeout", actions[0].Cause)
	}
	if actions := f.Expired(faninBase.Add(3 * time.Minute)); len(actions) != 0 {
		t.Fatalf("second sweep escalated again: %v", actions)
	}
}

func TestFanInTaskRefViaParams(t *testing.T) {
	f := NewFanIn(2, time.Minute)
	f.Observe(taskCreate("task-1", "agent:worker", nil, 1))

	report := siblingReport("r-1", "agent:worker", "", v1.EnvelopeStatusDone, 2)
	report.Payload.Params = map[string]interface{}{"task_id": "task-1"}

	actions := f.Observe(report)
	if len(actions) != 1 || actions[0].Kind != ActionConsolidate {
		t.Fatalf("expected consolidate via params task_id, got %v", actions)
	}
}

func TestFanInLowWatermark(t *testing.T) {
	f := NewFanIn(2, time.Minute)

	if got := f.LowWatermark(9); got != 9 {
		t.Errorf("empty table watermark = %d, want 9", got)
	}

	f.Observe(taskCreate("task-1", "agent:worker", nil, 5))
	if got := f.LowWatermark(9); got != 4 {
		t.Errorf("open task watermark = %d, want 4", got)
	}

	// The consolidate action is emitted but not yet committed, so the task
	// still pins the watermark.
	f.Observe(siblingReport("r-1", "agent:worker", "task-1", v1.EnvelopeStatusDone, 8))
	if got := f.LowWatermark(9); got != 4 {
		t.Errorf("closing task watermark = %d, want 4", got)
	}

	f.Resolve("task-1")
	if got := f.LowWatermark(9); got != 9 {
		t.Errorf("resolved task watermark = %d, want 9", got)
	}
}
