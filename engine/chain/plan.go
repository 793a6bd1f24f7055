package chain

import (
	"fmt"
	"strings"

	"github.com/compozy/taskengine/engine/task"
)

// NodeKind tags the nodes of a plan tree.
type NodeKind int

const (
	KindSequential NodeKind = iota
	KindStep
	KindParallelBatch
	KindErrorHandler
)

func (k NodeKind) String() string {
	switch k {
	case KindSequential:
		return "sequential"
	case KindStep:
		return "step"
	case KindParallelBatch:
		return "parallel"
	case KindErrorHandler:
		return "on_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Node is one element of a plan. Steps hold a single action, batches and
// error handlers hold a run of consecutive actions, sequential nodes hold
// children.
type Node struct {
	Kind     NodeKind
	Actions  []task.Action
	Children []*Node
}

// Plan is an executable action chain.
type Plan struct {
	Root *Node
}

// Build turns actions into a plan. Actions are ordered by position and the
// first is forced to Always.
func Build(actions []task.Action) (*Plan, error) {
	ordered, err := task.NormalizeActions(actions)
	if err != nil {
		return nil, err
	}
	root := &Node{Kind: KindSequential}
	for i := 0; i < len(ordered); {
		a := ordered[i]
		switch a.StartupOption {
		case task.Parallel, task.OnError:
			j := i
			for j < len(ordered) && ordered[j].StartupOption == a.StartupOption {
				j++
			}
			kind := KindParallelBatch
			if a.StartupOption == task.OnError {
				kind = KindErrorHandler
			}
			root.Children = append(root.Children, &Node{Kind: kind, Actions: ordered[i:j]})
			i = j
		default:
			root.Children = append(root.Children, &Node{Kind: KindStep, Actions: []task.Action{a}})
			i++
		}
	}
	return &Plan{Root: root}, nil
}

// Actions returns every action of the plan in execution order.
func (p *Plan) Actions() []task.Action {
	var out []task.Action
	for _, n := range p.Root.Children {
		out = append(out, n.Actions...)
	}
	return out
}

// String renders the plan compactly, e.g. "1:always 2|3:parallel 4:on_error".
func (p *Plan) String() string {
	parts := make([]string, 0, len(p.Root.Children))
	for _, n := range p.Root.Children {
		ids := make([]string, len(n.Actions))
		for i, a := range n.Actions {
			ids[i] = fmt.Sprint(a.ID)
		}
		label := n.Kind.String()
		if n.Kind == KindStep {
			label = n.Actions[0].StartupOption.String()
		}
		parts = append(parts, strings.Join(ids, "|")+":"+label)
	}
	return strings.Join(parts, " ")
}
