package coordinator

import (
	"fmt"
	"sort"
	"time"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// ActionKind enumerates the effects the fan-in table can ask for.
type ActionKind int

const (
	// ActionConsolidate emits the single consolidated done envelope.
	ActionConsolidate ActionKind = iota
	// ActionRetry re-issues the work request to one failed sibling.
	ActionRetry
	// ActionEscalate hands the task to a human.
	ActionEscalate
)

// Action is one effect derived from observing committed history. Actions
// are deterministic for a given history, so replays derive the same
// actions and the commit markers collapse them.
type Action struct {
	Kind    ActionKind
	TaskID  string
	Origin  string // routing.from of the task-create
	Sibling string // retry target
	Attempt int    // retry attempt number, 1-based
	Reason  string // escalation note
	Cause   error  // typed escalation cause where the taxonomy has one
	Percent int    // frozen completion percent for escalations
	Outcome string // metrics label: consolidated, needs_human, timeout
}

// traceOutcome is the span label for the action. Retries carry no
// terminal outcome so they label by kind.
func (a Action) traceOutcome() string {
	if a.Kind == ActionRetry {
		return "retry"
	}
	return a.Outcome
}

// Task is the fan-in record for one tracked task-create.
type Task struct {
	ID        string
	ProjectID string
	Origin    string
	Text      string

	// Expected holds the declared sibling set. Empty means count-only
	// fan-in where any distinct reporting agent fills a slot.
	Expected      map[string]bool
	ExpectedCount int

	Observed  map[string]v1.EnvelopeStatus
	Retries   int
	Deadline  time.Time
	CreateSeq int64

	// Closing marks a task whose terminal action has been emitted but not
	// yet durably committed; Resolved marks it committed. Closing tasks
	// ignore further reports but still pin the replay watermark, so a
	// failed emission is re-derived rather than lost.
	Closing  bool
	Resolved bool
}

func (t *Task) doneCount() int {
	n := 0
	for _, st := range t.Observed {
		if st == v1.EnvelopeStatusDone {
			n++
		}
	}
	return n
}

// Percent is the frozen completion share of the task.
func (t *Task) Percent() int {
	if t.ExpectedCount <= 0 {
		return 0
	}
	return t.doneCount() * 100 / t.ExpectedCount
}

// Siblings lists the observed sibling identities in stable order.
func (t *Task) Siblings() []string {
	names := make([]string, 0, len(t.Observed))
	for name := range t.Observed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FanIn tracks open tasks and derives actions from committed envelopes.
// It holds no locks and performs no I/O; the coordinator serializes access
// and executes the actions.
type FanIn struct {
	tasks       map[string]*Task
	retryBudget int
	taskTimeout time.Duration
}

// NewFanIn creates an empty fan-in table.
func NewFanIn(retryBudget int, taskTimeout time.Duration) *FanIn {
	return &FanIn{
		tasks:       make(map[string]*Task),
		retryBudget: retryBudget,
		taskTimeout: taskTimeout,
	}
}

// Observe applies one committed envelope and returns the actions it
// implies. Envelopes that do not concern a tracked task return nil.
func (f *FanIn) Observe(env *v1.Envelope) []Action {
	if env == nil {
		return nil
	}
	switch env.Type {
	case v1.EnvelopeTypeTaskCreate:
		f.track(env)
		return nil
	case v1.EnvelopeTypeTaskUpdate, v1.EnvelopeTypeToolResult:
		return f.report(env)
	default:
		return nil
	}
}

// track opens a fan-in record for a task-create. Re-observing the same
// task (replay) is a no-op.
func (f *FanIn) track(env *v1.Envelope) {
	if _, ok := f.tasks[env.ID]; ok {
		return
	}

	names, count := declaredSiblings(env)
	task := &Task{
		ID:            env.ID,
		ProjectID:     env.Routing.ProjectID,
		Origin:        env.Routing.From,
		Text:          env.Payload.Text,
		ExpectedCount: count,
		Observed:      make(map[string]v1.EnvelopeStatus),
		Deadline:      env.Timestamps.Created.Add(f.taskTimeout),
		CreateSeq:     env.Seq,
	}
	if len(names) > 0 {
		task.Expected = make(map[string]bool, len(names))
		for _, name := range names {
			task.Expected[name] = true
		}
	}
	f.tasks[env.ID] = task
}

// report applies a sibling's task-update or tool-result.
func (f *FanIn) report(env *v1.Envelope) []Action {
	task := f.lookupTask(env)
	if task == nil || task.Closing || task.Resolved {
		return nil
	}

	sibling := env.Routing.From
	if task.Expected != nil && !task.Expected[sibling] {
		return nil
	}
	if task.Expected == nil {
		if _, seen := task.Observed[sibling]; !seen && len(task.Observed) >= task.ExpectedCount {
			return nil
		}
	}

	switch env.Status {
	case v1.EnvelopeStatusDone:
		prev := task.Observed[sibling]
		if prev == v1.EnvelopeStatusDone {
			return nil // idempotent duplicate
		}
		task.Observed[sibling] = v1.EnvelopeStatusDone
		if task.doneCount() == task.ExpectedCount {
			task.Closing = true
			return []Action{{
				Kind:    ActionConsolidate,
				TaskID:  task.ID,
				Origin:  task.Origin,
				Outcome: "consolidated",
			}}
		}
		return nil

	case v1.EnvelopeStatusError:
		if task.Observed[sibling] == v1.EnvelopeStatusDone {
			// A slot cannot succeed and then fail; only a human can
			// reconcile the two reports.
			task.Closing = true
			cause := apperrors.AggregationAmbiguity(task.ID, fmt.Sprintf("%s reported done, then error", sibling))
			return []Action{{
				Kind:    ActionEscalate,
				TaskID:  task.ID,
				Origin:  task.Origin,
				Reason:  cause.Message,
				Cause:   cause,
				Percent: task.Percent(),
				Outcome: "needs_human",
			}}
		}
		task.Observed[sibling] = v1.EnvelopeStatusError
		if task.Retries < f.retryBudget {
			task.Retries++
			return []Action{{
				Kind:    ActionRetry,
				TaskID:  task.ID,
				Origin:  task.Origin,
				Sibling: sibling,
				Attempt: task.Retries,
			}}
		}
		task.Closing = true
		return []Action{{
			Kind:    ActionEscalate,
			TaskID:  task.ID,
			Origin:  task.Origin,
			Reason:  fmt.Sprintf("%s failed beyond the retry budget of %d", sibling, f.retryBudget),
			Percent: task.Percent(),
			Outcome: "needs_human",
		}}

	default:
		// Non-terminal sibling statuses do not move the fan-in.
		return nil
	}
}

// lookupTask resolves the task an envelope reports against, via reply_to
// or an explicit task_id param.
func (f *FanIn) lookupTask(env *v1.Envelope) *Task {
	if env.Routing.ReplyTo != "" {
		if task, ok := f.tasks[env.Routing.ReplyTo]; ok {
			return task
		}
	}
	if env.Payload.Params != nil {
		if id, ok := env.Payload.Params["task_id"].(string); ok {
			if task, ok := f.tasks[id]; ok {
				return task
			}
		}
	}
	return nil
}

// Expired returns escalation actions for open tasks whose delivery window
// elapsed, marking them closing.
func (f *FanIn) Expired(now time.Time) []Action {
	var actions []Action
	for _, task := range f.tasks {
		if task.Closing || task.Resolved || now.Before(task.Deadline) {
			continue
		}
		task.Closing = true
		cause := apperrors.DeliveryTimeout(task.ID, fmt.Sprintf("%s (%d of %d reported done)", f.taskTimeout, task.doneCount(), task.ExpectedCount))
		actions = append(actions, Action{
			Kind:    ActionEscalate,
			TaskID:  task.ID,
			Origin:  task.Origin,
			Reason:  cause.Message,
			Cause:   cause,
			Percent: task.Percent(),
			Outcome: "timeout",
		})
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].TaskID < actions[j].TaskID })
	return actions
}

// Resolve marks a task's terminal action durably committed, releasing its
// pin on the replay watermark.
func (f *FanIn) Resolve(taskID string) {
	if task, ok := f.tasks[taskID]; ok {
		task.Resolved = true
	}
}

// LowWatermark returns the highest commit position every unresolved task
// sits strictly above, so a replay from it reconstructs everything still
// awaiting a durable outcome. With no such tasks it returns lastSeq.
func (f *FanIn) LowWatermark(lastSeq int64) int64 {
	mark := lastSeq
	for _, task := range f.tasks {
		if task.Resolved {
			continue
		}
		if task.CreateSeq-1 < mark {
			mark = task.CreateSeq - 1
		}
	}
	if mark < 0 {
		mark = 0
	}
	return mark
}

// Open returns the open task snapshot, sorted by task id.
func (f *FanIn) Open() []*Task {
	var open []*Task
	for _, task := range f.tasks {
		if !task.Resolved {
			open = append(open, task)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open
}

// Lookup returns the tracked task by id.
func (f *FanIn) Lookup(taskID string) (*Task, bool) {
	task, ok := f.tasks[taskID]
	return task, ok
}

// declaredSiblings reads the sibling declaration from a task-create
// payload. Without a declaration the task aggregates over exactly its one
// recipient.
func declaredSiblings(env *v1.Envelope) ([]string, int) {
	params := env.Payload.Params
	if params != nil {
		if raw, ok := params["sibling_agents"].([]interface{}); ok && len(raw) > 0 {
			names := make([]string, 0, len(raw))
			for _, item := range raw {
				if name, ok := item.(string); ok && name != "" {
					names = append(names, name)
				}
			}
			if len(names) > 0 {
				return names, len(names)
			}
		}
		if n, ok := numberParam(params["sibling_count"]); ok && n > 0 {
			return nil, n
		}
	}
	if env.Routing.To != "" && env.Routing.To != v1.RecipientBroadcast {
		return []string{env.Routing.To}, 1
	}
	return nil, 1
}

// numberParam coerces a JSON number to int.
func numberParam(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
