package recovery

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/compozy/taskengine/engine/task"
)

// ActionRecord is the persisted progress of one TaskAction.
type ActionRecord struct {
	Result   []json.RawMessage `json:"result"`
	Errors   []string          `json:"errors"`
	Param    *task.Invocation  `json:"param"`
	Occurred []int64           `json:"occurredConditionOCIDs"`
}

// State is the recovery file content: task id -> TaskAction id -> record.
type State map[string]map[string]ActionRecord

// Encode renders the state deterministically. Map keys are sorted by
// encoding/json, so equal states encode to equal bytes.
func Encode(s State) ([]byte, error) {
	if s == nil {
		s = State{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("failed to encode recovery state: %w", err)
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (State, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return State{}, nil
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode recovery state: %w", err)
	}
	if s == nil {
		s = State{}
	}
	return s, nil
}
