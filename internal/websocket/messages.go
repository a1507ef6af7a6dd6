package websocket

import (
	"encoding/json"
	"errors"
	"fmt"

	"dispatch-agent/utils"
)

// Message types on the control channel. Every frame is a JSON object whose
// "type" field selects one of these.
const (
	TypeConnected     = "connected"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeTaskDispatch  = "task_dispatch"
	TypeTaskCancel    = "task_cancel"
	TypeHeartbeat     = "heartbeat"
	TypeTaskStarted   = "task_started"
	TypeTaskProgress  = "task_progress"
	TypeTaskHeartbeat = "task_heartbeat"
	TypeTaskCompleted = "task_completed"
	TypeTaskFailed    = "task_failed"
)

// Defaults applied to task_dispatch fields the server leaves out.
const (
	DefaultWorkspace   = "default"
	DefaultRepoRef     = "main"
	DefaultTaskTimeout = uint64(3600)
)

var (
	// ErrUnknownMessage is returned for frames whose type this agent does not handle.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrMissingTaskID is returned for task messages without a task_id.
	ErrMissingTaskID = errors.New("missing task_id")
)

// Inbound is a message sent by the server. It is one of Connected,
// HeartbeatAck, TaskDispatch or TaskCancel.
type Inbound interface {
	inbound()
}

type Connected struct {
	Message string `json:"message"`
}

type HeartbeatAck struct {
	ServerTime string `json:"server_time"`
}

// TaskDispatch asks the agent to run Command in WorkspaceName.
type TaskDispatch struct {
	TaskID        int64             `json:"task_id"`
	WorkspaceName string            `json:"workspace_name"`
	Command       string            `json:"command"`
	RepoURL       string            `json:"client_repo_url"`
	RepoRef       string            `json:"client_repo_ref"`
	RepoToken     string            `json:"client_repo_token"`
	Timeout       uint64            `json:"timeout"` // seconds
	Environment   map[string]string `json:"environment"`
}

type TaskCancel struct {
	TaskID int64 `json:"task_id"`
}

func (Connected) inbound()    {}
func (HeartbeatAck) inbound() {}
func (TaskDispatch) inbound() {}
func (TaskCancel) inbound()   {}

// DecodeInbound parses one frame from the server.
func DecodeInbound(data []byte) (Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}

	switch envelope.Type {
	case TypeConnected:
		var m Connected
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", envelope.Type, err)
		}
		return m, nil

	case TypeHeartbeatAck:
		var m HeartbeatAck
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", envelope.Type, err)
		}
		return m, nil

	case TypeTaskDispatch:
		if err := requireTaskID(data); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", envelope.Type, err)
		}
		// Fields absent from the frame keep these defaults.
		m := TaskDispatch{RepoRef: DefaultRepoRef, Timeout: DefaultTaskTimeout}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", envelope.Type, err)
		}
		if m.WorkspaceName == "" {
			m.WorkspaceName = DefaultWorkspace
		}
		if m.RepoRef == "" {
			m.RepoRef = DefaultRepoRef
		}
		if m.Environment == nil {
			m.Environment = map[string]string{}
		}
		return m, nil

	case TypeTaskCancel:
		if err := requireTaskID(data); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", envelope.Type, err)
		}
		var m TaskCancel
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", envelope.Type, err)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, envelope.Type)
	}
}

func requireTaskID(data []byte) error {
	var head struct {
		TaskID *int64 `json:"task_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.TaskID == nil {
		return ErrMissingTaskID
	}
	return nil
}

// Outbound is a message sent to the server. It is one of Heartbeat,
// TaskStarted, TaskProgress, TaskHeartbeat, TaskCompleted or TaskFailed.
type Outbound interface {
	outbound()
}

type Heartbeat struct {
	SystemInfo utils.SystemInfo `json:"system_info"`
}

type TaskStarted struct {
	TaskID int64 `json:"task_id"`
}

// TaskProgress carries one line of task output.
type TaskProgress struct {
	TaskID int64  `json:"task_id"`
	Output string `json:"output"`
}

// TaskHeartbeat reports that a task is still executing.
type TaskHeartbeat struct {
	TaskID int64 `json:"task_id"`
}

type TaskCompleted struct {
	TaskID   int64  `json:"task_id"`
	ExitCode int32  `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type TaskFailed struct {
	TaskID int64  `json:"task_id"`
	Error  string `json:"error"`
}

func (Heartbeat) outbound()     {}
func (TaskStarted) outbound()   {}
func (TaskProgress) outbound()  {}
func (TaskHeartbeat) outbound() {}
func (TaskCompleted) outbound() {}
func (TaskFailed) outbound()    {}

// MessageType returns the wire discriminant for msg.
func MessageType(msg Outbound) (string, error) {
	switch msg.(type) {
	case Heartbeat:
		return TypeHeartbeat, nil
	case TaskStarted:
		return TypeTaskStarted, nil
	case TaskProgress:
		return TypeTaskProgress, nil
	case TaskHeartbeat:
		return TypeTaskHeartbeat, nil
	case TaskCompleted:
		return TypeTaskCompleted, nil
	case TaskFailed:
		return TypeTaskFailed, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

// EncodeOutbound renders msg as a flat JSON object with its "type" first.
func EncodeOutbound(msg Outbound) ([]byte, error) {
	typ, err := MessageType(msg)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", typ, err)
	}
	tag, err := json.Marshal(typ)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}
