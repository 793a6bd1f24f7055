package workflow

import (
	"fmt"
	"html"
	"strings"

	"github.com/compozy/taskengine/engine/task"
)

const timeLayout = "2006-01-02 15:04:05 MST"

// ConditionText describes when a task runs.
func ConditionText(t *task.Task) string {
	rt := t.RunType
	switch {
	case rt.IsSchedule():
		return "run at " + rt.ScheduleTime().UTC().Format(timeLayout)
	case rt == task.RunNow || rt == task.RunNowAlreadyStarted:
		return "run now"
	case rt == task.RunPermanentlyOnCondition && len(t.Conditions) > 0:
		return "run every time when condition met: " + conditionList(t.Conditions)
	case rt == task.RunOnceOnCondition && len(t.Conditions) > 0:
		return "run once when condition met: " + conditionList(t.Conditions)
	case rt == task.DoNotRun:
		return "do not run"
	case rt == task.RunOnceOnConditionAlreadyFired:
		return "the condition was already met and the task ran once; it will not run again"
	case rt.IsConditional():
		return "the task waits for a condition but none is defined, so it will not run"
	default:
		return fmt.Sprintf("the task will not run: run condition %d is not recognized", int64(rt))
	}
}

func conditionList(conditions []task.Condition) string {
	parts := make([]string, len(conditions))
	for i, c := range conditions {
		counter := c.CounterName
		if counter == "" {
			counter = fmt.Sprintf("#%d", c.OCID)
		}
		parts[i] = fmt.Sprintf("%s (%s)", counter, c.ObjectName)
	}
	return strings.Join(parts, ", ")
}

// ActionsText lists the actions of a task, one per line.
func ActionsText(actions []task.Action) string {
	var b strings.Builder
	for i, a := range actions {
		fmt.Fprintf(&b, "%d. %s", i+1, actionTitle(a))
		if a.Description != "" {
			fmt.Fprintf(&b, ": %s", a.Description)
		}
		fmt.Fprintf(&b, " [%s]\n", a.StartupOption)
	}
	return b.String()
}

// ActionsHTML lists the actions of a task as an ordered HTML list.
func ActionsHTML(actions []task.Action) string {
	if len(actions) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<ol>")
	for _, a := range actions {
		b.WriteString("<li><b>")
		b.WriteString(html.EscapeString(actionTitle(a)))
		b.WriteString("</b>")
		if a.Description != "" {
			b.WriteString(": ")
			b.WriteString(html.EscapeString(a.Description))
		}
		fmt.Fprintf(&b, " <i>[%s]</i></li>", a.StartupOption)
	}
	b.WriteString("</ol>")
	return b.String()
}

func actionTitle(a task.Action) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ActionID
}
