package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/variables"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/compozy/taskengine/pkg/tplengine"
)

// Lifecycle transitions.
const (
	ActionApprove = "approve"
	ActionChange  = "change"
	ActionExecute = "execute"
	ActionRemove  = "remove"
	ActionCancel  = "cancel"
	ActionCheck   = "check"
)

var ErrUserNotFound = errors.New("user not found")

type User struct {
	Username string   `json:"username" db:"username"`
	FullName string   `json:"fullName" db:"full_name"`
	Email    string   `json:"email"    db:"email"`
	Roles    []string `json:"roles"    db:"roles"`
}

type Users interface {
	GetUser(ctx context.Context, username string) (*User, error)
}

// Message is a rendered notification. Recipients and channel are chosen by
// the messaging template.
type Message struct {
	Template  string            `json:"template,omitempty"`
	Text      string            `json:"text"`
	TaskID    int64             `json:"taskID"`
	Action    string            `json:"action"`
	User      string            `json:"user"`
	Variables map[string]string `json:"variables"`
}

type Messenger interface {
	Send(ctx context.Context, msg Message) error
}

// Observer is notified of every processed transition.
type Observer interface {
	ObserveWorkflow(action string, matched, sent bool)
}

// Request describes a lifecycle transition of a task. Rules defaults to the
// workflow of Username.
type Request struct {
	Username string
	TaskID   int64
	Rules    []Rule
	Action   string
	Err      error
}

// Result tells what a transition did.
type Result struct {
	Rule         *Rule
	GroupChanged bool
	Sent         bool
}

type Notifier struct {
	users     Users
	store     task.Store
	messenger Messenger
	rules     *Rules
	tpl       *tplengine.TemplateEngine
	observer  Observer
}

func NewNotifier(users Users, store task.Store, messenger Messenger, rules *Rules) *Notifier {
	if rules == nil {
		rules = NewRules(nil)
	}
	return &Notifier{
		users:     users,
		store:     store,
		messenger: messenger,
		rules:     rules,
		tpl:       tplengine.NewEngine(),
	}
}

func (n *Notifier) WithObserver(o Observer) *Notifier {
	n.observer = o
	return n
}

func (n *Notifier) Rules() *Rules {
	return n.rules
}

// GetWorkflow returns the rules of the first role of the user that has any.
func (n *Notifier) GetWorkflow(ctx context.Context, username string) ([]Rule, error) {
	u, err := n.users.GetUser(ctx, username)
	if err != nil {
		return nil, core.NewError(err, core.ErrCodeLookup, map[string]any{"user": username})
	}
	for _, role := range u.Roles {
		if rules := n.rules.ForRole(role); len(rules) > 0 {
			return rules, nil
		}
	}
	return nil, nil
}

// Process applies the first rule matching the transition. Unmatched
// transitions and invalid group directives are logged, not returned.
func (n *Notifier) Process(ctx context.Context, req Request) (*Result, error) {
	log := logger.FromContext(ctx).With("task_id", req.TaskID, "action", req.Action)
	rules := req.Rules
	if rules == nil {
		var err error
		if rules, err = n.GetWorkflow(ctx, req.Username); err != nil {
			return nil, err
		}
	}
	res := &Result{}
	for i := range rules {
		if rules[i].Matches(req.Action) {
			res.Rule = &rules[i]
			break
		}
	}
	if res.Rule == nil {
		log.Warn("No workflow rule matches transition", "user", req.Username)
		n.observe(req.Action, res)
		return res, nil
	}
	t, err := n.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", req.TaskID, err)
	}
	if res.Rule.ChangeGroup != "" {
		res.GroupChanged = n.moveGroup(ctx, log, t, res.Rule)
	}
	if res.Rule.Message == "" && res.Rule.Template == "" {
		n.observe(req.Action, res)
		return res, nil
	}
	msg, err := n.render(ctx, t, res.Rule, req)
	if err != nil {
		return res, err
	}
	if err := n.messenger.Send(ctx, msg); err != nil {
		n.observe(req.Action, res)
		return res, fmt.Errorf("failed to send workflow message: %w", err)
	}
	res.Sent = true
	log.Debug("Workflow message sent", "template", res.Rule.Template)
	n.observe(req.Action, res)
	return res, nil
}

func (n *Notifier) moveGroup(ctx context.Context, log logger.Logger, t *task.Task, rule *Rule) bool {
	from, to, err := rule.GroupMove()
	if err != nil {
		log.Warn("Skipping group change", "error", err)
		return false
	}
	if !equalFold(t.GroupName, from) {
		log.Debug("Task is not in the source group", "group", t.GroupName, "from", from)
		return false
	}
	if err := n.store.ChangeGroup(ctx, t.ID, to); err != nil {
		log.Error("Failed to change task group", "to", to, "error", err)
		return false
	}
	t.GroupName = to
	return true
}

func (n *Notifier) render(ctx context.Context, t *task.Task, rule *Rule, req Request) (Message, error) {
	vars := n.messageVars(ctx, t, req)
	data := make(map[string]any, len(vars))
	for k, v := range vars {
		data[k] = v
	}
	text, err := n.tpl.RenderString(rule.Message, data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to render workflow message: %w", err)
	}
	return Message{
		Template:  rule.Template,
		Text:      variables.Substitute(text, vars),
		TaskID:    t.ID,
		Action:    req.Action,
		User:      req.Username,
		Variables: vars,
	}, nil
}

func (n *Notifier) messageVars(ctx context.Context, t *task.Task, req Request) map[string]string {
	userName := req.Username
	if u, err := n.users.GetUser(ctx, req.Username); err == nil && u.FullName != "" {
		userName = u.FullName
	}
	errText := ""
	if req.Err != nil {
		errText = req.Err.Error()
	}
	return map[string]string{
		"TASK_ID":                  strconv.FormatInt(t.ID, 10),
		"TASK_NAME":                t.Name,
		"TASK_CREATOR":             t.Owner,
		"TASK_CREATOR_FULL_NAME":   t.OwnerFullName,
		"CONDITION":                ConditionText(t),
		"ACTIONS_DESCRIPTION":      ActionsText(t.Actions),
		"ACTIONS_DESCRIPTION_HTML": ActionsHTML(t.Actions),
		"ACTION":                   req.Action,
		"USER":                     userName,
		"ERROR":                    errText,
	}
}

func (n *Notifier) observe(action string, res *Result) {
	if n.observer != nil {
		n.observer.ObserveWorkflow(action, res.Rule != nil, res.Sent)
	}
}
