package collab

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// execution backend interface. the bridge consumes a stream of typed
// messages correlated by request id, and forwards typed requests carrying a
// target cell identity. kernel process supervision lives behind this
// interface.

type KernelMessageType string

const (
	KernelMessageStatus            KernelMessageType = "status"
	KernelMessageStream            KernelMessageType = "stream"
	KernelMessageDisplayData       KernelMessageType = "display_data"
	KernelMessageUpdateDisplayData KernelMessageType = "update_display_data"
	KernelMessageExecuteInput      KernelMessageType = "execute_input"
	KernelMessageExecuteResult     KernelMessageType = "execute_result"
	KernelMessageExecuteReply      KernelMessageType = "execute_reply"
	KernelMessageClearOutput       KernelMessageType = "clear_output"
	KernelMessageError             KernelMessageType = "error"
)

// KernelMessage is one message from the backend. `RequestId` is the id of
// the originating request ("parent" id), the only correlation the wire
// carries.
type KernelMessage struct {
	Channel     string            `json:"channel"`
	MessageType KernelMessageType `json:"msg_type"`
	RequestId   string            `json:"parent_msg_id"`
	Content     json.RawMessage   `json:"content"`
}

// typed contents, jupyter wire convention

type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type TransientContent struct {
	DisplayId string `json:"display_id,omitempty"`
}

type DisplayDataContent struct {
	Data      map[string]string `json:"data"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	Transient TransientContent  `json:"transient,omitempty"`
}

type ExecuteResultContent struct {
	Data           map[string]string `json:"data"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	ExecutionCount int               `json:"execution_count"`
}

type ExecuteInputContent struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

type ExecuteReplyContent struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
}

type ClearOutputContent struct {
	Wait bool `json:"wait"`
}

type ErrorContent struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type KernelRequestType string

const (
	KernelRequestExecute   KernelRequestType = "execute"
	KernelRequestInterrupt KernelRequestType = "interrupt"
)

type KernelRequest struct {
	RequestId string            `json:"msg_id"`
	Type      KernelRequestType `json:"msg_type"`
	CellId    string            `json:"cell_id"`
	Code      string            `json:"code,omitempty"`
}

func NewKernelRequestId() string {
	return uuid.NewString()
}

// KernelConnector is one live connection to an execution backend. a room is
// bound to at most one connector at a time.
type KernelConnector interface {
	Send(ctx context.Context, request *KernelRequest) error
	// one message stream per wire channel. the bridge runs an independent
	// listener task per channel and makes no cross-channel ordering
	// assumptions.
	Channels() map[string]<-chan *KernelMessage
	Close() error
}
