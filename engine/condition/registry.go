package condition

import (
	"encoding/json"
	"slices"
	"strconv"
	"sync"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/recovery"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/variables"
	"github.com/mohae/deepcopy"
)

type set map[int64]struct{}

func newSet(ids []int64) set {
	s := make(set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s set) sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ActionState is the per-TaskAction progress of a conditional task.
type ActionState struct {
	Action   task.Action
	Occurred set
	InFlight set
	Results  []json.RawMessage
	Errors   []string
	// Param holds the pending invocation; its object selector lists the
	// objects that have not fired yet.
	Param    *task.Invocation
	Original *task.Invocation

	dispatching bool
	// held keeps occurrences whose objects could not be looked up out of
	// waves until the next check resumes them.
	held bool
}

// Selector reports whether the action targets objects.
func (a *ActionState) Selector() bool {
	return a.Original != nil && len(objectsOf(a.Original)) > 0
}

// Remaining returns the objects that have not fired yet.
func (a *ActionState) Remaining() []variables.Object {
	return objectsOf(a.Param)
}

func objectsOf(inv *task.Invocation) []variables.Object {
	if inv == nil {
		return nil
	}
	sel, err := variables.Classify(inv.Args[variables.ObjectArg])
	if err != nil || sel.Kind != variables.KindPairs {
		return nil
	}
	return sel.Pairs
}

// Entry is the condition state of one task.
type Entry struct {
	TaskID     int64
	RunType    task.RunType
	Username   string
	Conditions []int64
	Waiting    set
	Actions    map[int64]*ActionState
	Order      []int64
	Callback   task.Callback
	Session    core.ID

	// orphaned is set once a wave of a cancelled entry resolved its callback.
	orphaned bool
}

func NewEntry(taskID int64, runType task.RunType, username string, conditions []int64, cb task.Callback) *Entry {
	original := newSet(conditions).sorted()
	return &Entry{
		TaskID:     taskID,
		RunType:    runType,
		Username:   username,
		Conditions: original,
		Waiting:    newSet(original),
		Actions:    make(map[int64]*ActionState),
		Callback:   cb,
	}
}

func (e *Entry) pending() bool {
	for _, a := range e.Actions {
		if a.dispatching || len(a.Occurred) > 0 {
			return true
		}
	}
	return false
}

// eligible reports whether st can join the next wave.
func (e *Entry) eligible(st *ActionState) bool {
	if st.dispatching || st.held || len(st.Occurred) == 0 || st.Param == nil {
		return false
	}
	return st.Selector() || len(e.Waiting) == 0
}

func (e *Entry) ready() bool {
	for _, st := range e.Actions {
		if e.eligible(st) {
			return true
		}
	}
	return false
}

// Registry holds the condition entries of every waiting task.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]*Entry)}
}

// Create registers e, replacing any entry of the same task.
func (r *Registry) Create(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.TaskID] = e
}

func (r *Registry) Delete(taskID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[taskID]; !ok {
		return false
	}
	delete(r.entries, taskID)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) TaskIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SetCallback attaches the caller's completion callback to an entry.
func (r *Registry) SetCallback(taskID int64, cb task.Callback) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if ok {
		e.Callback = cb
	}
	return ok
}

// InstallParam sets the pending and original invocation of an action. The
// object selector of inv must already be in canonical pair form.
func (r *Registry) InstallParam(taskID int64, action task.Action, inv task.Invocation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok {
		return false
	}
	st, ok := e.Actions[action.ID]
	if !ok {
		st = &ActionState{Occurred: set{}, InFlight: set{}}
		e.Actions[action.ID] = st
		e.Order = append(e.Order, action.ID)
	}
	st.Action = action
	st.Param = copyInvocation(&inv)
	st.Original = copyInvocation(&inv)
	return true
}

// WaitingOCIDs returns the union of every entry's waiting set.
func (r *Registry) WaitingOCIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := set{}
	for _, e := range r.entries {
		for id := range e.Waiting {
			all[id] = struct{}{}
		}
	}
	return all.sorted()
}

// MarkOccurred moves ocids from waiting into the occurred set of every
// action that can still fire. It returns the ids of affected tasks.
func (r *Registry) MarkOccurred(ocids []int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var affected []int64
	for id, e := range r.entries {
		var hit []int64
		for _, ocid := range ocids {
			if _, ok := e.Waiting[ocid]; ok {
				delete(e.Waiting, ocid)
				hit = append(hit, ocid)
			}
		}
		if len(hit) == 0 {
			continue
		}
		for _, st := range e.Actions {
			if st.Param == nil || (st.Selector() && len(st.Remaining()) == 0) {
				continue
			}
			for _, ocid := range hit {
				st.Occurred[ocid] = struct{}{}
			}
		}
		affected = append(affected, id)
	}
	slices.Sort(affected)
	return affected
}

// WaveAction is an action selected for dispatch.
type WaveAction struct {
	Action    task.Action
	OCIDs     []int64
	Param     task.Invocation
	Remaining []variables.Object
	Selector  bool
}

// Resume releases the occurrences held after failed lookups and returns the
// ids of the tasks that can dispatch again.
func (r *Registry) Resume() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var resumed []int64
	for id, e := range r.entries {
		found := false
		for _, st := range e.Actions {
			if st.held {
				st.held = false
				found = true
			}
		}
		if found {
			resumed = append(resumed, id)
		}
	}
	slices.Sort(resumed)
	return resumed
}

// Wave is one dispatch of a task's triggered actions.
type Wave struct {
	TaskID   int64
	Session  core.ID
	Username string
	RunType  task.RunType
	Actions  []WaveAction
	// Callback is the caller callback at the time the wave began. It is
	// still resolved when the entry is cancelled mid-wave.
	Callback task.Callback

	entry *Entry
}

// BeginDispatch selects the actions with occurred conditions that are not
// already dispatching and marks them in flight. Actions without an object
// selector are only selected once no condition is waiting.
func (r *Registry) BeginDispatch(taskID int64) (*Wave, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok {
		return nil, false
	}
	var actions []WaveAction
	for _, id := range e.Order {
		st := e.Actions[id]
		if !e.eligible(st) {
			continue
		}
		st.dispatching = true
		st.InFlight = newSet(st.Occurred.sorted())
		actions = append(actions, WaveAction{
			Action:    st.Action,
			OCIDs:     st.InFlight.sorted(),
			Param:     *copyInvocation(st.Param),
			Remaining: st.Remaining(),
			Selector:  st.Selector(),
		})
	}
	if len(actions) == 0 {
		return nil, false
	}
	session, err := core.NewID()
	if err != nil {
		session = core.ID(strconv.FormatInt(taskID, 10))
	}
	e.Session = session
	return &Wave{
		TaskID:   taskID,
		Session:  session,
		Username: e.Username,
		RunType:  e.RunType,
		Actions:  actions,
		Callback: e.Callback,
		entry:    e,
	}, true
}

// Completion reports what a wave did.
type Completion struct {
	// Fired lists, per action, the object ids the action ran for.
	Fired   map[int64][]int64
	Results map[int64][]json.RawMessage
	Errors  map[int64][]string
	// Retry lists, per action, the OCIDs that stay occurred and are held
	// until Resume.
	Retry map[int64][]int64
}

// Finalized is returned when a task completed all of its conditions.
type Finalized struct {
	TaskID    int64
	Username  string
	RunType   task.RunType
	Results   task.Results
	Errors    []string
	Callback  task.Callback
	Permanent bool
}

// CompleteResult tells the caller what to do after a wave.
type CompleteResult struct {
	// Found is false when the entry was cancelled or replaced mid-wave.
	Found bool
	// Resolve is set for the first wave completing after its entry was
	// cancelled; that wave owns the caller callback.
	Resolve bool
	// Pending is true when more occurrences wait for another wave.
	Pending bool
	Final   *Finalized
}

// CompleteDispatch records a wave's outcome. When no condition is waiting and
// no action has pending occurrences, one-shot entries are removed and
// permanent entries are reset to their original state.
func (r *Registry) CompleteDispatch(w *Wave, c Completion) CompleteResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[w.TaskID]
	if !ok || e != w.entry {
		if w.entry == nil || w.entry.orphaned {
			return CompleteResult{}
		}
		w.entry.orphaned = true
		return CompleteResult{Resolve: true}
	}
	for _, wa := range w.Actions {
		st, ok := e.Actions[wa.Action.ID]
		if !ok {
			continue
		}
		retry := newSet(c.Retry[wa.Action.ID])
		for id := range st.InFlight {
			if _, keep := retry[id]; !keep {
				delete(st.Occurred, id)
			}
		}
		if len(retry) > 0 {
			st.held = true
		}
		st.InFlight = set{}
		st.dispatching = false
		st.Results = append(st.Results, c.Results[wa.Action.ID]...)
		st.Errors = append(st.Errors, c.Errors[wa.Action.ID]...)
		if fired := c.Fired[wa.Action.ID]; len(fired) > 0 && st.Param != nil {
			st.Param = withoutObjects(st.Param, fired)
		}
		if st.Param != nil {
			st.Param.TaskSession = w.Session.String()
		}
	}
	return r.settleLocked(e)
}

// Settle finalizes the entry of taskID if nothing is waiting or pending. It
// covers entries whose last occurrence did not select any action.
func (r *Registry) Settle(taskID int64) CompleteResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok {
		return CompleteResult{}
	}
	return r.settleLocked(e)
}

func (r *Registry) settleLocked(e *Entry) CompleteResult {
	if len(e.Waiting) > 0 || e.pending() {
		return CompleteResult{Found: true, Pending: e.ready()}
	}
	final := &Finalized{
		TaskID:    e.TaskID,
		Username:  e.Username,
		RunType:   e.RunType,
		Results:   make(task.Results),
		Callback:  e.Callback,
		Permanent: e.RunType.IsPermanent(),
	}
	for _, id := range e.Order {
		st := e.Actions[id]
		if len(st.Results) > 0 {
			final.Results[id] = st.Results
		}
		final.Errors = append(final.Errors, st.Errors...)
	}
	if final.Permanent {
		e.reset()
	} else {
		delete(r.entries, e.TaskID)
	}
	return CompleteResult{Found: true, Final: final}
}

func (e *Entry) reset() {
	e.Waiting = newSet(e.Conditions)
	for _, st := range e.Actions {
		st.Occurred = set{}
		st.InFlight = set{}
		st.held = false
		st.Results = nil
		st.Errors = nil
		st.Param = copyInvocation(st.Original)
	}
}

func withoutObjects(inv *task.Invocation, fired []int64) *task.Invocation {
	out := copyInvocation(inv)
	drop := newSet(fired)
	remaining := make([]variables.Object, 0)
	for _, o := range objectsOf(inv) {
		if _, ok := drop[o.ID]; !ok {
			remaining = append(remaining, o)
		}
	}
	out.Args[variables.ObjectArg] = variables.EncodeObjects(remaining)
	return out
}

func copyInvocation(inv *task.Invocation) *task.Invocation {
	if inv == nil {
		return nil
	}
	cp, ok := deepcopy.Copy(*inv).(task.Invocation)
	if !ok {
		return nil
	}
	if cp.Args == nil {
		cp.Args = map[string]string{}
	}
	return &cp
}

// -----------------------------------------------------------------------------
// Views
// -----------------------------------------------------------------------------

// ActionView is a read-only copy of an ActionState.
type ActionView struct {
	Occurred  []int64
	Results   []json.RawMessage
	Errors    []string
	Param     *task.Invocation
	Remaining []variables.Object
}

// EntryView is a read-only copy of an Entry.
type EntryView struct {
	TaskID     int64
	RunType    task.RunType
	Username   string
	Conditions []int64
	Waiting    []int64
	Session    core.ID
	Actions    map[int64]ActionView
}

func (r *Registry) Get(taskID int64) (EntryView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok {
		return EntryView{}, false
	}
	v := EntryView{
		TaskID:     e.TaskID,
		RunType:    e.RunType,
		Username:   e.Username,
		Conditions: slices.Clone(e.Conditions),
		Waiting:    e.Waiting.sorted(),
		Session:    e.Session,
		Actions:    make(map[int64]ActionView, len(e.Actions)),
	}
	for id, st := range e.Actions {
		v.Actions[id] = ActionView{
			Occurred:  st.Occurred.sorted(),
			Results:   slices.Clone(st.Results),
			Errors:    slices.Clone(st.Errors),
			Param:     copyInvocation(st.Param),
			Remaining: st.Remaining(),
		}
	}
	return v, true
}

// -----------------------------------------------------------------------------
// Recovery
// -----------------------------------------------------------------------------

// Snapshot returns the persisted view: actions with occurred conditions,
// results or errors, grouped by task.
func (r *Registry) Snapshot() recovery.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := recovery.State{}
	for taskID, e := range r.entries {
		actions := make(map[string]recovery.ActionRecord)
		for id, st := range e.Actions {
			if len(st.Occurred) == 0 && len(st.Results) == 0 && len(st.Errors) == 0 {
				continue
			}
			rec := recovery.ActionRecord{
				Result:   slices.Clone(st.Results),
				Errors:   slices.Clone(st.Errors),
				Param:    copyInvocation(st.Param),
				Occurred: st.Occurred.sorted(),
			}
			if rec.Result == nil {
				rec.Result = []json.RawMessage{}
			}
			if rec.Errors == nil {
				rec.Errors = []string{}
			}
			actions[strconv.FormatInt(id, 10)] = rec
		}
		if len(actions) > 0 {
			out[strconv.FormatInt(taskID, 10)] = actions
		}
	}
	return out
}

// Overlay applies a recovery file onto seeded entries. Occurred OCIDs are
// removed from the waiting sets. It returns the task ids of file entries
// without a registered task, which are dropped.
func (r *Registry) Overlay(state recovery.State) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped []string
	for taskKey, actions := range state {
		taskID, err := strconv.ParseInt(taskKey, 10, 64)
		e, ok := r.entries[taskID]
		if err != nil || !ok {
			dropped = append(dropped, taskKey)
			continue
		}
		for actionKey, rec := range actions {
			actionID, err := strconv.ParseInt(actionKey, 10, 64)
			if err != nil {
				continue
			}
			st, ok := e.Actions[actionID]
			if !ok {
				continue
			}
			st.Results = slices.Clone(rec.Result)
			st.Errors = slices.Clone(rec.Errors)
			if rec.Param != nil {
				st.Param = copyInvocation(rec.Param)
			}
			for _, ocid := range rec.Occurred {
				st.Occurred[ocid] = struct{}{}
				delete(e.Waiting, ocid)
			}
		}
	}
	slices.Sort(dropped)
	return dropped
}
