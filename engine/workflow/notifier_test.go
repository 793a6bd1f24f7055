package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/task"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockUsers struct {
	mock.Mock
}

func (m *mockUsers) GetUser(ctx context.Context, username string) (*User, error) {
	args := m.Called(ctx, username)
	u, _ := args.Get(0).(*User)
	return u, args.Error(1)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetApprovedTasks(ctx context.Context) ([]task.ApprovedTask, error) {
	args := m.Called(ctx)
	rows, _ := args.Get(0).([]task.ApprovedTask)
	return rows, args.Error(1)
}

func (m *mockStore) GetTaskParameters(ctx context.Context, username string, taskID int64) ([]task.Action, error) {
	args := m.Called(ctx, username, taskID)
	actions, _ := args.Get(0).([]task.Action)
	return actions, args.Error(1)
}

func (m *mockStore) UpdateRunCondition(ctx context.Context, taskID int64, runType task.RunType) error {
	return m.Called(ctx, taskID, runType).Error(0)
}

func (m *mockStore) GetTask(ctx context.Context, taskID int64) (*task.Task, error) {
	args := m.Called(ctx, taskID)
	t, _ := args.Get(0).(*task.Task)
	return t, args.Error(1)
}

func (m *mockStore) ChangeGroup(ctx context.Context, taskID int64, groupName string) error {
	return m.Called(ctx, taskID, groupName).Error(0)
}

type mockMessenger struct {
	mock.Mock
}

func (m *mockMessenger) Send(ctx context.Context, msg Message) error {
	return m.Called(ctx, msg).Error(0)
}

func sampleTask() *task.Task {
	return &task.Task{
		ID:            7,
		Name:          "Restart web",
		GroupName:     "Pending",
		Owner:         "alice",
		OwnerFullName: "Alice Smith",
		RunType:       task.RunOnceOnCondition,
		Actions: []task.Action{
			{ID: 1, ActionID: "restart", Name: "Restart", Description: "restart service", StartupOption: task.Always},
		},
		Conditions: []task.Condition{{OCID: 101, CounterName: "cpu", ObjectName: "web1"}},
	}
}

func newFixture(rules map[string][]Rule) (*Notifier, *mockUsers, *mockStore, *mockMessenger) {
	users := &mockUsers{}
	store := &mockStore{}
	messenger := &mockMessenger{}
	return NewNotifier(users, store, messenger, NewRules(rules)), users, store, messenger
}

func TestRule_Matches(t *testing.T) {
	t.Run("Should match transitions case-insensitively", func(t *testing.T) {
		assert.True(t, Rule{Action: "Approve"}.Matches("approve"))
		assert.False(t, Rule{Action: "approve"}.Matches("remove"))
	})

	t.Run("Should match group pairs part by part", func(t *testing.T) {
		r := Rule{Action: "Pending, Approved"}
		assert.True(t, r.Matches("pending,approved"))
		assert.False(t, r.Matches("pending"))
		assert.False(t, r.Matches("approved,pending"))
	})
}

func TestRule_GroupMove(t *testing.T) {
	t.Run("Should parse a group directive", func(t *testing.T) {
		from, to, err := Rule{ChangeGroup: " Pending , Done "}.GroupMove()
		require.NoError(t, err)
		assert.Equal(t, "Pending", from)
		assert.Equal(t, "Done", to)
	})

	t.Run("Should reject directives without both groups", func(t *testing.T) {
		for _, d := range []string{"Done", ",Done", "Pending,"} {
			_, _, err := Rule{ChangeGroup: d}.GroupMove()
			assert.Error(t, err, d)
		}
	})
}

func TestNotifier_GetWorkflow(t *testing.T) {
	t.Run("Should use the first role that has rules", func(t *testing.T) {
		n, users, _, _ := newFixture(map[string][]Rule{
			"Operator": {{Action: "approve", Message: "op"}},
			"admin":    {{Action: "approve", Message: "admin"}},
		})
		users.On("GetUser", mock.Anything, "bob").Return(&User{Username: "bob", Roles: []string{"guest", "operator", "admin"}}, nil)
		rules, err := n.GetWorkflow(t.Context(), "bob")
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "op", rules[0].Message)
	})

	t.Run("Should return a lookup error for unknown users", func(t *testing.T) {
		n, users, _, _ := newFixture(nil)
		users.On("GetUser", mock.Anything, "ghost").Return(nil, ErrUserNotFound)
		_, err := n.GetWorkflow(t.Context(), "ghost")
		require.Error(t, err)
		assert.True(t, core.HasCode(err, core.ErrCodeLookup))
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestNotifier_Process(t *testing.T) {
	t.Run("Should apply only the first matching rule", func(t *testing.T) {
		n, users, store, messenger := newFixture(nil)
		users.On("GetUser", mock.Anything, "bob").Return(&User{Username: "bob", FullName: "Bob Jones"}, nil)
		store.On("GetTask", mock.Anything, int64(7)).Return(sampleTask(), nil)
		var sent Message
		messenger.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			sent = args.Get(1).(Message)
		}).Return(nil)
		res, err := n.Process(t.Context(), Request{
			Username: "bob",
			TaskID:   7,
			Action:   "EXECUTE",
			Rules: []Rule{
				{Action: "approve", Message: "wrong"},
				{Action: "execute", Message: "%:TASK_NAME:% run by %:USER:%", Template: "mail"},
				{Action: "execute", Message: "second"},
			},
		})
		require.NoError(t, err)
		assert.True(t, res.Sent)
		assert.Equal(t, "mail", res.Rule.Template)
		assert.Equal(t, "Restart web run by Bob Jones", sent.Text)
		assert.Equal(t, int64(7), sent.TaskID)
		messenger.AssertNumberOfCalls(t, "Send", 1)
	})

	t.Run("Should render go templates before variable tokens", func(t *testing.T) {
		n, users, store, messenger := newFixture(nil)
		users.On("GetUser", mock.Anything, "bob").Return(&User{Username: "bob"}, nil)
		store.On("GetTask", mock.Anything, int64(7)).Return(sampleTask(), nil)
		var sent Message
		messenger.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			sent = args.Get(1).(Message)
		}).Return(nil)
		_, err := n.Process(t.Context(), Request{
			Username: "bob",
			TaskID:   7,
			Action:   "execute",
			Err:      errors.New("boom"),
			Rules:    []Rule{{Action: "execute", Message: `{{ .TASK_ID }} {{ upper .ACTION }}: %:ERROR:%`}},
		})
		require.NoError(t, err)
		assert.Equal(t, "7 EXECUTE: boom", sent.Text)
		assert.Equal(t, "bob", sent.Variables["USER"])
		assert.Equal(t, "Alice Smith", sent.Variables["TASK_CREATOR_FULL_NAME"])
		assert.Equal(t, "run once when condition met: cpu (web1)", sent.Variables["CONDITION"])
	})

	t.Run("Should change the group when the task is in the source group", func(t *testing.T) {
		n, users, store, messenger := newFixture(nil)
		users.On("GetUser", mock.Anything, "bob").Return(&User{Username: "bob"}, nil)
		store.On("GetTask", mock.Anything, int64(7)).Return(sampleTask(), nil)
		store.On("ChangeGroup", mock.Anything, int64(7), "Approved").Return(nil)
		messenger.On("Send", mock.Anything, mock.Anything).Return(nil)
		res, err := n.Process(t.Context(), Request{
			Username: "bob",
			TaskID:   7,
			Action:   "approve",
			Rules:    []Rule{{Action: "approve", Message: "ok", ChangeGroup: "pending,Approved"}},
		})
		require.NoError(t, err)
		assert.True(t, res.GroupChanged)
		assert.True(t, res.Sent)
		store.AssertExpectations(t)
	})

	t.Run("Should skip the move but still send on a group mismatch", func(t *testing.T) {
		n, users, store, messenger := newFixture(nil)
		users.On("GetUser", mock.Anything, "bob").Return(&User{Username: "bob"}, nil)
		store.On("GetTask", mock.Anything, int64(7)).Return(sampleTask(), nil)
		messenger.On("Send", mock.Anything, mock.Anything).Return(nil)
		res, err := n.Process(t.Context(), Request{
			Username: "bob",
			TaskID:   7,
			Action:   "approve",
			Rules:    []Rule{{Action: "approve", Message: "ok", ChangeGroup: "Draft,Approved"}},
		})
		require.NoError(t, err)
		assert.False(t, res.GroupChanged)
		assert.True(t, res.Sent)
		store.AssertNotCalled(t, "ChangeGroup", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Should treat an invalid directive as a warning", func(t *testing.T) {
		n, users, store, messenger := newFixture(nil)
		users.On("GetUser", mock.Anything, "bob").Return(&User{Username: "bob"}, nil)
		store.On("GetTask", mock.Anything, int64(7)).Return(sampleTask(), nil)
		messenger.On("Send", mock.Anything, mock.Anything).Return(nil)
		res, err := n.Process(t.Context(), Request{
			Username: "bob",
			TaskID:   7,
			Action:   "approve",
			Rules:    []Rule{{Action: "approve", Message: "ok", ChangeGroup: "Approved"}},
		})
		require.NoError(t, err)
		assert.False(t, res.GroupChanged)
		assert.True(t, res.Sent)
	})

	t.Run("Should send nothing when no rule matches", func(t *testing.T) {
		n, _, store, messenger := newFixture(nil)
		res, err := n.Process(t.Context(), Request{
			Username: "bob",
			TaskID:   7,
			Action:   "remove",
			Rules:    []Rule{{Action: "approve", Message: "ok"}},
		})
		require.NoError(t, err)
		assert.Nil(t, res.Rule)
		assert.False(t, res.Sent)
		store.AssertNotCalled(t, "GetTask", mock.Anything, mock.Anything)
		messenger.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("Should use the workflow of the user when no rules are given", func(t *testing.T) {
		n, users, store, messenger := newFixture(map[string][]Rule{
			"operator": {{Action: "cancel", Message: "cancelled"}},
		})
		users.On("GetUser", mock.Anything, "bob").Return(&User{Username: "bob", Roles: []string{"operator"}}, nil)
		store.On("GetTask", mock.Anything, int64(7)).Return(sampleTask(), nil)
		messenger.On("Send", mock.Anything, mock.MatchedBy(func(m Message) bool {
			return m.Text == "cancelled" && m.Action == ActionCancel
		})).Return(nil)
		res, err := n.Process(t.Context(), Request{Username: "bob", TaskID: 7, Action: ActionCancel})
		require.NoError(t, err)
		assert.True(t, res.Sent)
		messenger.AssertExpectations(t)
	})

	t.Run("Should return send failures", func(t *testing.T) {
		n, users, store, messenger := newFixture(nil)
		users.On("GetUser", mock.Anything, "bob").Return(&User{Username: "bob"}, nil)
		store.On("GetTask", mock.Anything, int64(7)).Return(sampleTask(), nil)
		messenger.On("Send", mock.Anything, mock.Anything).Return(errors.New("broker down"))
		res, err := n.Process(t.Context(), Request{
			Username: "bob",
			TaskID:   7,
			Action:   "approve",
			Rules:    []Rule{{Action: "approve", Message: "ok"}},
		})
		require.Error(t, err)
		assert.False(t, res.Sent)
	})
}

func TestConditionText(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	cases := []struct {
		name string
		task task.Task
		want string
	}{
		{"schedule", task.Task{RunType: task.RunAt(at)}, "run at 2026-03-01 08:30:00 UTC"},
		{"run now", task.Task{RunType: task.RunNow}, "run now"},
		{"started", task.Task{RunType: task.RunNowAlreadyStarted}, "run now"},
		{
			"permanent",
			task.Task{RunType: task.RunPermanentlyOnCondition, Conditions: []task.Condition{{OCID: 5, ObjectName: "db"}}},
			"run every time when condition met: #5 (db)",
		},
		{"do not run", task.Task{RunType: task.DoNotRun}, "do not run"},
		{
			"fired",
			task.Task{RunType: task.RunOnceOnConditionAlreadyFired},
			"the condition was already met and the task ran once; it will not run again",
		},
		{
			"no conditions",
			task.Task{RunType: task.RunOnceOnCondition},
			"the task waits for a condition but none is defined, so it will not run",
		},
		{"unknown", task.Task{RunType: 5}, "the task will not run: run condition 5 is not recognized"},
	}
	for _, tc := range cases {
		t.Run("Should describe "+tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ConditionText(&tc.task))
		})
	}
}

func TestActionsDescription(t *testing.T) {
	actions := []task.Action{
		{ActionID: "ping", StartupOption: task.Always},
		{ActionID: "mail", Name: "Mail <ops>", Description: "notify", StartupOption: task.OnError},
	}

	t.Run("Should list actions as text", func(t *testing.T) {
		assert.Equal(t, "1. ping [always]\n2. Mail <ops>: notify [on_error]\n", ActionsText(actions))
	})

	t.Run("Should escape the html list", func(t *testing.T) {
		out := ActionsHTML(actions)
		assert.Contains(t, out, "<li><b>Mail &lt;ops&gt;</b>: notify <i>[on_error]</i></li>")
		assert.Empty(t, ActionsHTML(nil))
	})
}

func TestLoadRules(t *testing.T) {
	t.Run("Should load roles case-insensitively", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "workflows.yaml", []byte(`
roles:
  Operator:
    - action: approve
      message: "approved {{ .TASK_NAME }}"
      changeGroup: "Pending,Approved"
`), 0o644))
		rules, err := LoadRules(fs, "workflows.yaml")
		require.NoError(t, err)
		got := rules.ForRole("OPERATOR")
		require.Len(t, got, 1)
		assert.Equal(t, "Pending,Approved", got[0].ChangeGroup)
	})

	t.Run("Should return an empty table for a missing file", func(t *testing.T) {
		rules, err := LoadRules(afero.NewMemMapFs(), "missing.yaml")
		require.NoError(t, err)
		assert.Empty(t, rules.ForRole("any"))
	})

	t.Run("Should fail on malformed yaml", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "bad.yaml", []byte("roles: ["), 0o644))
		_, err := LoadRules(fs, "bad.yaml")
		assert.Error(t, err)
	})
}

func TestFile_Validate(t *testing.T) {
	t.Run("Should report broken rules in order", func(t *testing.T) {
		f := &File{Roles: map[string][]Rule{
			"b": {{Action: "", Message: "x"}},
			"a": {
				{Action: "approve", Message: "ok"},
				{Action: "Pending,", Message: "x"},
				{Action: "approve", ChangeGroup: "Done"},
				{Action: "approve", Message: "{{ .X "},
			},
		}}
		issues := f.Validate()
		require.Len(t, issues, 4)
		assert.Equal(t, "a", issues[0].Role)
		assert.Equal(t, 1, issues[0].Index)
		assert.Equal(t, 2, issues[1].Index)
		assert.Equal(t, 3, issues[2].Index)
		assert.Equal(t, "b", issues[3].Role)
	})
}
