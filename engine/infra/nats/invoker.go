package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/nats-io/nats.go"
)

const defaultRequestTimeout = 5 * time.Minute

// ErrNoWorker is returned when nobody serves the requested action.
var ErrNoWorker = errors.New("no worker serves the action")

// Invoker runs actions on the worker fleet with request/reply.
type Invoker struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

func NewInvoker(conn *nats.Conn, subject string, timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Invoker{conn: conn, subject: subject, timeout: timeout}
}

// RunAction implements chain.Invoker.
func (i *Invoker) RunAction(ctx context.Context, inv task.Invocation) (json.RawMessage, error) {
	req := NewActionRequest(inv)
	msg, err := NewMessage(TypeActionRequest, req)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action request: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	subject := GenActionSubject(i.subject, inv.ActionID)
	logger.FromContext(ctx).Debug("Requesting action",
		"subject", subject,
		"request_id", req.ID,
		"task_id", inv.TaskID,
		"task_action_id", inv.TaskActionID,
	)
	reply, err := i.conn.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%s: %w", inv.ActionID, ErrNoWorker)
		}
		return nil, fmt.Errorf("action %s request failed: %w", inv.ActionID, err)
	}
	return decodeReply(reply.Data)
}

func decodeReply(data []byte) (json.RawMessage, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	switch msg.Type {
	case TypeActionResponse:
		var resp ActionResponse
		if err := msg.UnmarshalPayload(&resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action response: %w", err)
		}
		return resp.Result, nil
	case TypeError:
		var errMsg ErrorMessage
		if err := msg.UnmarshalPayload(&errMsg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error message: %w", err)
		}
		return nil, errors.New(errMsg.Message)
	default:
		return nil, fmt.Errorf("unexpected response type: %s", msg.Type)
	}
}

// ActionHandler executes one invocation on the worker side.
type ActionHandler func(ctx context.Context, inv task.Invocation) (json.RawMessage, error)

// Serve answers action requests under subject in queue group queue. Replies
// use the same envelope the Invoker decodes.
func Serve(ctx context.Context, conn *nats.Conn, subject, queue string, handler ActionHandler) (*nats.Subscription, error) {
	log := logger.FromContext(ctx)
	return conn.QueueSubscribe(GenActionWildcard(subject), queue, func(m *nats.Msg) {
		reply, err := handleRequest(ctx, m.Data, handler)
		if err != nil {
			log.Error("Failed to build action reply", "subject", m.Subject, "error", err)
			return
		}
		if err := m.Respond(reply); err != nil {
			log.Error("Failed to send action reply", "subject", m.Subject, "error", err)
		}
	})
}

func handleRequest(ctx context.Context, data []byte, handler ActionHandler) ([]byte, error) {
	var msg Message
	var req ActionRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return errorReply("", fmt.Sprintf("malformed request: %v", err))
	}
	if msg.Type != TypeActionRequest {
		return errorReply("", fmt.Sprintf("unexpected request type: %s", msg.Type))
	}
	if err := msg.UnmarshalPayload(&req); err != nil {
		return errorReply("", fmt.Sprintf("malformed request: %v", err))
	}
	result, err := handler(ctx, req.Invocation)
	if err != nil {
		return errorReply(req.ID, err.Error())
	}
	out, err := NewMessage(TypeActionResponse, ActionResponse{RequestID: req.ID, Result: result})
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func errorReply(requestID, text string) ([]byte, error) {
	out, err := NewMessage(TypeError, ErrorMessage{RequestID: requestID, Message: text})
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}
