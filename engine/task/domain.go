package task

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// -----------------------------------------------------------------------------
// Startup options
// -----------------------------------------------------------------------------

// StartupOption decides when an action runs relative to its predecessors.
type StartupOption int

const (
	OnSuccess StartupOption = 0
	OnError   StartupOption = 1
	Parallel  StartupOption = 2
	Always    StartupOption = 3
)

func (s StartupOption) String() string {
	switch s {
	case OnSuccess:
		return "on_success"
	case OnError:
		return "on_error"
	case Parallel:
		return "parallel"
	case Always:
		return "always"
	default:
		return "startup(" + strconv.Itoa(int(s)) + ")"
	}
}

func (s StartupOption) Valid() bool {
	return s >= OnSuccess && s <= Always
}

// -----------------------------------------------------------------------------
// Run types
// -----------------------------------------------------------------------------

// RunType describes how and when a task executes. Values above
// RunNowAlreadyStarted are Unix timestamps in milliseconds.
type RunType int64

const (
	RunPermanentlyOnCondition      RunType = 0
	RunOnceOnCondition             RunType = 1
	RunNow                         RunType = 2
	DoNotRun                       RunType = 9
	RunOnceOnConditionAlreadyFired RunType = 11
	RunNowAlreadyStarted           RunType = 12
)

// RunAt returns the schedule run type for t.
func RunAt(t time.Time) RunType {
	return RunType(t.UnixMilli())
}

func (r RunType) IsSchedule() bool {
	return r > RunNowAlreadyStarted
}

func (r RunType) ScheduleTime() time.Time {
	if !r.IsSchedule() {
		return time.Time{}
	}
	return time.UnixMilli(int64(r))
}

func (r RunType) IsConditional() bool {
	return r == RunPermanentlyOnCondition || r == RunOnceOnCondition
}

func (r RunType) IsPermanent() bool {
	return r == RunPermanentlyOnCondition
}

func (r RunType) String() string {
	switch r {
	case RunPermanentlyOnCondition:
		return "run_permanently_on_condition"
	case RunOnceOnCondition:
		return "run_once_on_condition"
	case RunNow:
		return "run_now"
	case DoNotRun:
		return "do_not_run"
	case RunOnceOnConditionAlreadyFired:
		return "run_once_on_condition_already_fired"
	case RunNowAlreadyStarted:
		return "run_now_already_started"
	}
	if r.IsSchedule() {
		return "run_at(" + r.ScheduleTime().UTC().Format(time.RFC3339) + ")"
	}
	return "run_type(" + strconv.FormatInt(int64(r), 10) + ")"
}

// -----------------------------------------------------------------------------
// Tasks and actions
// -----------------------------------------------------------------------------

// Action is one step of a task. ID is the TaskAction id, ActionID the plugin action.
type Action struct {
	ID            int64             `json:"id"`
	ActionID      string            `json:"actionID"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Args          map[string]string `json:"args"`
	StartupOption StartupOption     `json:"startupOption"`
	Position      int               `json:"position"`
}

// Condition is an awaited metric series with its display names.
type Condition struct {
	OCID        int64  `json:"ocid"    db:"ocid"`
	CounterName string `json:"counter" db:"counter_name"`
	ObjectName  string `json:"object"  db:"object_name"`
}

type Task struct {
	ID            int64       `json:"id"`
	Name          string      `json:"name"`
	GroupID       int64       `json:"groupID"`
	GroupName     string      `json:"groupName"`
	Owner         string      `json:"owner"`
	OwnerFullName string      `json:"ownerFullName"`
	RunType       RunType     `json:"runType"`
	Actions       []Action    `json:"actions"`
	Conditions    []Condition `json:"conditions"`
}

func (t *Task) OCIDs() []int64 {
	out := make([]int64, 0, len(t.Conditions))
	for _, c := range t.Conditions {
		out = append(out, c.OCID)
	}
	return out
}

// NormalizeActions orders actions by position and forces the first one to
// Always. Duplicate TaskAction ids are rejected.
func NormalizeActions(actions []Action) ([]Action, error) {
	out := make([]Action, len(actions))
	copy(out, actions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	seen := make(map[int64]struct{}, len(out))
	for i := range out {
		if _, dup := seen[out[i].ID]; dup {
			return nil, fmt.Errorf("task action %d appears more than once", out[i].ID)
		}
		seen[out[i].ID] = struct{}{}
		if !out[i].StartupOption.Valid() {
			return nil, fmt.Errorf("task action %d: unknown startup option %d", out[i].ID, out[i].StartupOption)
		}
	}
	if len(out) > 0 {
		out[0].StartupOption = Always
	}
	return out, nil
}

// FilterActions keeps only the listed TaskAction ids; an empty filter keeps all.
func FilterActions(actions []Action, ids []int64) []Action {
	if len(ids) == 0 {
		return actions
	}
	keep := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	out := make([]Action, 0, len(ids))
	for _, a := range actions {
		if _, ok := keep[a.ID]; ok {
			out = append(out, a)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Invocation and results
// -----------------------------------------------------------------------------

const ExecutionModeServer = "server"

// Invocation is the parameter set handed to the action invoker.
type Invocation struct {
	ActionID      string            `json:"actionID"`
	ExecutionMode string            `json:"executionMode"`
	User          string            `json:"user"`
	Args          map[string]string `json:"args"`
	TaskID        int64             `json:"taskID"`
	TaskActionID  int64             `json:"taskActionID"`
	TaskSession   string            `json:"taskSession,omitempty"`
}

// Results maps a TaskAction id to its outputs, one per firing.
type Results map[int64][]json.RawMessage

// Merge appends other into r.
func (r Results) Merge(other Results) {
	for id, values := range other {
		r[id] = append(r[id], values...)
	}
}

// Callback receives the outcome of a task run.
type Callback func(err error, results Results, username string)
