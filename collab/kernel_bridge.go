package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
)

type KernelBridgeSettings struct {
	// outputs larger than this are written to the output store and replaced
	// with a placeholder in the document
	InlineOutputThreshold int
	SendTimeout           time.Duration
}

func DefaultKernelBridgeSettings() *KernelBridgeSettings {
	return &KernelBridgeSettings{
		InlineOutputThreshold: 4 * 1024,
		SendTimeout:           5 * time.Second,
	}
}

// a correlation entry maps a backend request id to the cell it originated
// from and the channel the request went out on. reply messages only carry
// the request id.
type correlationEntry struct {
	cellId  string
	channel string
}

// KernelBridge is the sole path by which execution backend traffic touches
// the document. it runs one listener task per backend channel feeding one
// shared inbound queue, and applies every document/awareness mutation
// through the owning room's queue consumer.
type KernelBridge struct {
	ctx    context.Context
	cancel context.CancelFunc

	room      *Room
	fileId    string
	connector KernelConnector
	outputs   OutputStore
	tracker   *OutputIndexTracker

	stateLock sync.Mutex
	// request id -> correlation. gc'd on terminal message or close.
	correlations map[string]*correlationEntry
	// cell id -> last request id, to detect re-execution
	cellRequests map[string]string
	// cells with a buffered clear_output(wait=true). the clear is held
	// until the next output arrives, then applied atomically with it.
	pendingClears map[string]bool

	settings *KernelBridgeSettings
}

func NewKernelBridgeWithDefaults(
	ctx context.Context,
	room *Room,
	connector KernelConnector,
	outputs OutputStore,
) *KernelBridge {
	return NewKernelBridge(ctx, room, connector, outputs, DefaultKernelBridgeSettings())
}

func NewKernelBridge(
	ctx context.Context,
	room *Room,
	connector KernelConnector,
	outputs OutputStore,
	settings *KernelBridgeSettings,
) *KernelBridge {
	cancelCtx, cancel := context.WithCancel(ctx)
	bridge := &KernelBridge{
		ctx:           cancelCtx,
		cancel:        cancel,
		room:          room,
		fileId:        room.ParsedId().FileId,
		connector:     connector,
		outputs:       outputs,
		tracker:       NewOutputIndexTracker(),
		correlations:  map[string]*correlationEntry{},
		cellRequests:  map[string]string{},
		pendingClears: map[string]bool{},
		settings:      settings,
	}
	go bridge.run()
	return bridge
}

// run listens on every backend channel concurrently, funneling messages
// into one inbound queue so the handlers see a single stream with no
// cross-channel ordering assumptions.
func (self *KernelBridge) run() {
	inbound := make(chan *KernelMessage)

	group, groupCtx := errgroup.WithContext(self.ctx)
	for channelName, channel := range self.connector.Channels() {
		channelName, channel := channelName, channel
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case message, ok := <-channel:
					if !ok {
						return nil
					}
					message.Channel = channelName
					select {
					case inbound <- message:
					case <-groupCtx.Done():
						return nil
					}
				}
			}
		})
	}
	go func() {
		group.Wait()
		close(inbound)
	}()

	for message := range inbound {
		self.handleMessage(message)
	}

	// backend connection gone. correlation entries are released, but cell
	// execution states keep their last known value: a stale "busy" is
	// preferred over a false "done".
	self.stateLock.Lock()
	self.correlations = map[string]*correlationEntry{}
	self.stateLock.Unlock()
}

// Execute forwards an execution request for a cell. before forwarding, the
// cell is marked busy in the document and awareness so every connected
// client sees queuing feedback immediately, and a correlation entry is
// recorded so asynchronous replies can be routed back.
func (self *KernelBridge) Execute(ctx context.Context, cellId string, code string) (string, error) {
	requestId := NewKernelRequestId()

	self.stateLock.Lock()
	previousRequestId := self.cellRequests[cellId]
	self.cellRequests[cellId] = requestId
	self.correlations[requestId] = &correlationEntry{
		cellId:  cellId,
		channel: "shell",
	}
	self.stateLock.Unlock()

	// re-executing a cell drops its previous outputs, stored and inlined
	if previousRequestId != "" && previousRequestId != requestId {
		self.clearCellOutputs(cellId)
		self.room.enqueueApply(func() {
			self.room.Document().ClearCellOutputs(cellId)
		})
	}

	self.room.SetCellExecutionState(cellId, "busy")
	self.room.SetCellAwarenessState(cellId, "busy")

	sendCtx, sendCancel := context.WithTimeout(ctx, self.settings.SendTimeout)
	defer sendCancel()
	err := self.connector.Send(sendCtx, &KernelRequest{
		RequestId: requestId,
		Type:      KernelRequestExecute,
		CellId:    cellId,
		Code:      code,
	})
	if err != nil {
		glog.Infof("[k]execute %s = %s\n", cellId, err)
		self.dropCorrelation(requestId)
		// surface as an error output on the target cell, not a room failure
		self.room.enqueueApply(func() {
			self.room.Document().SetCellExecutionState(cellId, "idle")
			self.room.Document().AppendCellOutput(cellId, Output{
				OutputType: "error",
				Ename:      "KernelUnavailable",
				Evalue:     err.Error(),
			})
		})
		return "", ErrKernelUnavailable
	}
	return requestId, nil
}

func (self *KernelBridge) Interrupt(ctx context.Context, cellId string) error {
	sendCtx, sendCancel := context.WithTimeout(ctx, self.settings.SendTimeout)
	defer sendCancel()
	err := self.connector.Send(sendCtx, &KernelRequest{
		RequestId: NewKernelRequestId(),
		Type:      KernelRequestInterrupt,
		CellId:    cellId,
	})
	if err != nil {
		return ErrKernelUnavailable
	}
	return nil
}

func (self *KernelBridge) correlation(requestId string) (*correlationEntry, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.correlations[requestId]
	return entry, ok
}

func (self *KernelBridge) dropCorrelation(requestId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.correlations, requestId)
}

func (self *KernelBridge) handleMessage(message *KernelMessage) {
	entry, correlated := self.correlation(message.RequestId)
	cellId := ""
	if correlated {
		cellId = entry.cellId
	}

	switch message.MessageType {
	case KernelMessageStatus:
		content := &StatusContent{}
		if err := json.Unmarshal(message.Content, content); err != nil {
			return
		}
		self.handleStatus(entry, cellId, content.ExecutionState)
	case KernelMessageExecuteInput:
		content := &ExecuteInputContent{}
		if err := json.Unmarshal(message.Content, content); err != nil {
			return
		}
		if cellId != "" && content.ExecutionCount != 0 {
			executionCount := content.ExecutionCount
			self.room.enqueueApply(func() {
				self.room.Document().SetCellExecutionCount(cellId, executionCount)
			})
		}
	case KernelMessageStream:
		content := &StreamContent{}
		if err := json.Unmarshal(message.Content, content); err != nil {
			return
		}
		if cellId != "" {
			self.processOutput(cellId, "", Output{
				OutputType: "stream",
				Name:       content.Name,
				Text:       content.Text,
			})
		}
	case KernelMessageDisplayData, KernelMessageUpdateDisplayData:
		content := &DisplayDataContent{}
		if err := json.Unmarshal(message.Content, content); err != nil {
			return
		}
		if cellId != "" {
			self.processOutput(cellId, content.Transient.DisplayId, Output{
				OutputType: "display_data",
				Data:       content.Data,
				Metadata:   content.Metadata,
			})
		}
	case KernelMessageExecuteResult:
		content := &ExecuteResultContent{}
		if err := json.Unmarshal(message.Content, content); err != nil {
			return
		}
		if cellId != "" {
			self.processOutput(cellId, "", Output{
				OutputType:     "execute_result",
				Data:           content.Data,
				Metadata:       content.Metadata,
				ExecutionCount: content.ExecutionCount,
			})
		}
	case KernelMessageClearOutput:
		content := &ClearOutputContent{}
		if err := json.Unmarshal(message.Content, content); err != nil {
			return
		}
		if cellId != "" {
			self.handleClearOutput(cellId, content.Wait)
		}
	case KernelMessageError:
		content := &ErrorContent{}
		if err := json.Unmarshal(message.Content, content); err != nil {
			return
		}
		// terminal for this execution. clear busy and record the traceback
		// as a normal output.
		if cellId != "" {
			self.processOutput(cellId, "", Output{
				OutputType: "error",
				Ename:      content.Ename,
				Evalue:     content.Evalue,
				Traceback:  content.Traceback,
			})
			self.room.SetCellExecutionState(cellId, "idle")
			self.room.SetCellAwarenessState(cellId, "idle")
		}
		self.dropCorrelation(message.RequestId)
	case KernelMessageExecuteReply:
		content := &ExecuteReplyContent{}
		if err := json.Unmarshal(message.Content, content); err != nil {
			return
		}
		if cellId != "" && content.ExecutionCount != 0 {
			executionCount := content.ExecutionCount
			self.room.enqueueApply(func() {
				self.room.Document().SetCellExecutionCount(cellId, executionCount)
			})
		}
		self.dropCorrelation(message.RequestId)
	}
}

// handleStatus updates the kernel execution summary in awareness, and for
// cell-correlated status also persists the cell execution state into the
// document, where it survives disconnection.
func (self *KernelBridge) handleStatus(entry *correlationEntry, cellId string, executionState string) {
	if entry != nil && entry.channel == "shell" {
		self.room.enqueueApply(func() {
			self.room.Awareness().SetLocalStateField("kernel", map[string]any{
				"execution_state": executionState,
			})
		})
	}
	if cellId != "" {
		self.room.SetCellExecutionState(cellId, executionState)
		self.room.SetCellAwarenessState(cellId, executionState)
	}
}

// processOutput classifies one output by encoded size. small outputs inline
// into the cell's output list; large outputs go to the output store with
// only a placeholder in the document. a buffered clear is applied
// atomically with the first output that follows it.
func (self *KernelBridge) processOutput(cellId string, displayId string, output Output) {
	encoded, _ := json.Marshal(output)

	if self.settings.InlineOutputThreshold < len(encoded) {
		index := self.tracker.Allocate(cellId, displayId)
		if err := self.outputs.Put(self.ctx, self.fileId, cellId, index, encoded); err != nil {
			glog.Infof("[k]store output %s/%d = %s\n", cellId, index, err)
			return
		}
		metricOutputsStored.Inc()
		output = NewPlaceholderOutput(
			OutputLocator(self.fileId, cellId, index),
			mimeTypeHint(output),
			len(encoded),
		)
	} else {
		metricOutputsInlined.Inc()
	}

	self.stateLock.Lock()
	pendingClear := self.pendingClears[cellId]
	delete(self.pendingClears, cellId)
	self.stateLock.Unlock()

	appended := output
	if pendingClear {
		self.room.enqueueApply(func() {
			self.room.Document().ReplaceCellOutputs(cellId, []Output{appended})
		})
	} else {
		self.room.enqueueApply(func() {
			self.room.Document().AppendCellOutput(cellId, appended)
		})
	}
}

// handleClearOutput with wait defers the clear until the next output for
// the cell, avoiding a visible flash of emptiness. without wait it clears
// immediately, tombstoning any stored records.
func (self *KernelBridge) handleClearOutput(cellId string, wait bool) {
	if wait {
		self.stateLock.Lock()
		self.pendingClears[cellId] = true
		self.stateLock.Unlock()
		return
	}
	self.clearCellOutputs(cellId)
	self.room.enqueueApply(func() {
		self.room.Document().ClearCellOutputs(cellId)
	})
}

// clearCellOutputs tombstones the cell's stored records and releases its
// output indices. every placeholder left in any replica now resolves to
// not-found by contract.
func (self *KernelBridge) clearCellOutputs(cellId string) {
	if err := self.outputs.Clear(self.ctx, self.fileId, cellId); err != nil {
		glog.Infof("[k]clear outputs %s = %s\n", cellId, err)
	}
	self.tracker.ClearCell(cellId)
}

// mimeTypeHint picks the representative mime type recorded in a placeholder,
// preferring rich representations over text/plain.
func mimeTypeHint(output Output) string {
	switch output.OutputType {
	case "stream":
		return "text/plain"
	case "error":
		return "application/vnd.jupyter.error"
	}
	best := ""
	for mimeType := range output.Data {
		if mimeType != "text/plain" && (best == "" || mimeType < best) {
			best = mimeType
		}
	}
	if best == "" {
		best = "text/plain"
	}
	return best
}

func (self *KernelBridge) Close() {
	self.cancel()
	if err := self.connector.Close(); err != nil {
		glog.V(1).Infof("[k]close connector = %s\n", err)
	}
}
