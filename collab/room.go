package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// room lifecycle. `active` is the only state that accepts new clients and
// processes the queue. `draining` flushes in-flight queue entries but
// accepts no new work. `stopped` is terminal; a getOrCreate for the same id
// after stop constructs a fresh room.
type RoomState int

const (
	RoomStateUninitialized RoomState = iota
	RoomStateActive
	RoomStateDraining
	RoomStateStopped
)

func (self RoomState) String() string {
	switch self {
	case RoomStateUninitialized:
		return "uninitialized"
	case RoomStateActive:
		return "active"
	case RoomStateDraining:
		return "draining"
	case RoomStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type RoomSettings struct {
	ClientGroupSettings *ClientGroupSettings
	// how long Shutdown waits for the queue consumer to flush
	DrainTimeout time.Duration
}

func DefaultRoomSettings() *RoomSettings {
	return &RoomSettings{
		ClientGroupSettings: DefaultClientGroupSettings(),
		DrainTimeout:        5 * time.Second,
	}
}

// Room is the collaboration unit for one document: it owns the replicated
// document, the awareness channel, the client registry, the inbound message
// queue, and at most one kernel binding.
//
// a single consumer goroutine drains the queue, so document mutations are
// applied in exact arrival order and never concurrently. every other
// component mutates the document by enqueueing control items.
type Room struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomId   string
	parsedId RoomId

	doc       *Document
	awareness *Awareness
	clients   *ClientGroup
	queue     *messageQueue
	fileApi   *FileApi

	stateLock    sync.Mutex
	state        RoomState
	lastActivity time.Time
	bridge       *KernelBridge

	consumerDone *event
	stopped      *event

	// invoked once when the room starts stopping, before clients are closed
	onStopping func()

	settings *RoomSettings
}

func NewRoomWithDefaults(
	ctx context.Context,
	roomId string,
	fileApi *FileApi,
	onStopping func(),
) (*Room, error) {
	return NewRoom(ctx, roomId, fileApi, onStopping, DefaultRoomSettings())
}

// NewRoom constructs the document, awareness, client registry, and queue for
// one room id and starts the queue consumer. `fileApi` is nil only for the
// global awareness room.
func NewRoom(
	ctx context.Context,
	roomId string,
	fileApi *FileApi,
	onStopping func(),
	settings *RoomSettings,
) (*Room, error) {
	parsedId, err := ParseRoomId(roomId)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	serverOrigin := NewId()
	room := &Room{
		ctx:          cancelCtx,
		cancel:       cancel,
		roomId:       roomId,
		parsedId:     parsedId,
		doc:          NewDocument(serverOrigin),
		awareness:    NewAwareness(serverOrigin.String()),
		queue:        newMessageQueue(),
		fileApi:      fileApi,
		state:        RoomStateUninitialized,
		lastActivity: time.Now(),
		consumerDone: newEvent(),
		stopped:      newEvent(),
		onStopping:   onStopping,
		settings:     settings,
	}
	room.clients = NewClientGroup(cancelCtx, roomId, settings.ClientGroupSettings)

	if fileApi != nil {
		if err := fileApi.LoadInto(room.doc, parsedId.ContentType); err != nil {
			cancel()
			return nil, fmt.Errorf("load room %s: %w", roomId, err)
		}
		fileApi.Start(room)
	}

	// observers run synchronously in the queue consumer, preserving the
	// apply-then-broadcast order per mutation
	room.doc.Observe(func(update []byte) {
		room.broadcast(EncodeSyncMessage(SyncMessageTypeUpdate, update), Id{})
		if room.fileApi != nil {
			room.fileApi.ScheduleSave()
		}
	})
	room.awareness.Observe(func(payload []byte) {
		room.broadcast(EncodeAwarenessMessage(payload), Id{})
	})

	room.setState(RoomStateActive)
	metricActiveRooms.Inc()
	go room.run()

	glog.Infof("[%s]room initialized\n", roomId)
	return room, nil
}

func (self *Room) RoomId() string {
	return self.roomId
}

func (self *Room) ParsedId() RoomId {
	return self.parsedId
}

func (self *Room) Document() *Document {
	return self.doc
}

func (self *Room) Awareness() *Awareness {
	return self.awareness
}

func (self *Room) Clients() *ClientGroup {
	return self.clients
}

func (self *Room) FileApi() *FileApi {
	return self.fileApi
}

func (self *Room) State() RoomState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *Room) setState(state RoomState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.state = state
}

// LastActivity is the last time the room enqueued any work. a room that
// receives document mutations while idle-timer-pending is "updated", not
// idle.
func (self *Room) LastActivity() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastActivity
}

func (self *Room) touch() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.lastActivity = time.Now()
}

// BindKernel attaches the room's single execution backend binding. the
// binding is owned by the room and supplied at session creation.
func (self *Room) BindKernel(bridge *KernelBridge) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state != RoomStateActive {
		return ErrRoomStopped
	}
	if self.bridge != nil {
		return fmt.Errorf("room %s already has a kernel binding", self.roomId)
	}
	self.bridge = bridge
	return nil
}

func (self *Room) Kernel() *KernelBridge {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.bridge
}

// KernelExecutionState reads the kernel execution summary from awareness.
// empty when no kernel has reported yet.
func (self *Room) KernelExecutionState() string {
	local := self.awareness.LocalState()
	if local == nil {
		return ""
	}
	kernel, ok := local["kernel"].(map[string]any)
	if !ok {
		return ""
	}
	state, _ := kernel["execution_state"].(string)
	return state
}

// Register adds a new client connection. rejected when the room is draining
// or stopped.
func (self *Room) Register(conn ClientConn) (*Client, error) {
	// the state check and add are one critical section. stop() transitions
	// to draining under the same lock before it snapshots the client set,
	// so a registration can never land between the snapshot and the close.
	self.stateLock.Lock()
	if self.state != RoomStateActive {
		self.stateLock.Unlock()
		return nil, ErrRoomStopped
	}
	client := self.clients.Add(conn)
	self.lastActivity = time.Now()
	metricConnectedClients.Inc()
	self.stateLock.Unlock()

	glog.V(1).Infof("[%s]client %s registered\n", self.roomId, client.ClientId())
	return client, nil
}

// RemoveClient releases the client id, removes its awareness entry, and
// leaves the idle-eviction decision to the room manager's watcher.
func (self *Room) RemoveClient(clientId Id) {
	if _, ok := self.clients.Get(clientId); !ok {
		return
	}
	self.clients.Remove(clientId, CloseGoingAway, "")
	metricConnectedClients.Dec()
	self.awareness.Remove(clientId.String())
	self.touch()
}

// AddMessage enqueues one inbound protocol message. enqueue is O(1) and
// never blocks; processing happens asynchronously in strict arrival order.
func (self *Room) AddMessage(clientId Id, message []byte) error {
	if self.State() != RoomStateActive {
		return ErrRoomStopped
	}
	if _, ok := self.clients.Get(clientId); !ok {
		return fmt.Errorf("client %s: %w", clientId, ErrUnregisteredClient)
	}
	if !self.queue.add(queueItem{clientId: clientId, message: message}) {
		return ErrRoomStopped
	}
	metricQueueDepth.Inc()
	self.touch()
	return nil
}

// enqueueApply schedules a control function on the queue consumer. used by
// the execution bridge and file api so that all document and awareness
// mutations flow through the single consumer.
func (self *Room) enqueueApply(apply func()) bool {
	if self.State() == RoomStateStopped {
		return false
	}
	if !self.queue.add(queueItem{apply: apply}) {
		return false
	}
	metricQueueDepth.Inc()
	self.touch()
	return true
}

// ApplyAndBroadcast applies a server-originated encoded document update and
// broadcasts it to every synced client, preserving arrival order of
// broadcasts relative to applies.
func (self *Room) ApplyAndBroadcast(update []byte) bool {
	return self.enqueueApply(func() {
		changed, err := self.doc.ApplyUpdate(update)
		if err != nil {
			glog.Infof("[%s]apply update error = %s\n", self.roomId, err)
			return
		}
		if changed {
			self.broadcast(EncodeSyncMessage(SyncMessageTypeUpdate, update), Id{})
			if self.fileApi != nil {
				self.fileApi.ScheduleSave()
			}
		}
	})
}

// SetCellExecutionState persists a cell's execution state into the document
// (it survives disconnection, unlike awareness). idempotent upsert; a no-op
// if the cell was deleted concurrently.
func (self *Room) SetCellExecutionState(cellId string, state string) bool {
	return self.enqueueApply(func() {
		self.doc.SetCellExecutionState(cellId, state)
	})
}

// SetCellAwarenessState mirrors a cell's execution state into awareness as
// a fast, best-effort hint. the document state is authoritative.
func (self *Room) SetCellAwarenessState(cellId string, state string) bool {
	return self.enqueueApply(func() {
		self.awareness.SetLocalCellState(cellId, state)
	})
}

func (self *Room) run() {
	defer self.consumerDone.Set()

	for {
		item, ok := self.queue.poll(self.ctx)
		if !ok {
			return
		}
		metricQueueDepth.Dec()
		self.handleItem(item)
	}
}

func (self *Room) handleItem(item queueItem) {
	if item.apply != nil {
		item.apply()
		return
	}
	self.handleMessage(item.clientId, item.message)
}

func (self *Room) handleMessage(clientId Id, message []byte) {
	header, err := ParseMessage(message)
	if err != nil {
		glog.Infof("[%s]ignoring message from %s = %s\n", self.roomId, clientId, err)
		return
	}

	switch header.MessageType {
	case MessageTypeAwareness:
		metricMessagesProcessed.WithLabelValues("awareness").Inc()
		self.handleAwarenessUpdate(clientId, message, header.Payload)
	case MessageTypeSync:
		switch header.SyncMessageType {
		case SyncMessageTypeStep1:
			metricMessagesProcessed.WithLabelValues("sync_step1").Inc()
			self.handleSyncStep1(clientId, header.Payload)
		case SyncMessageTypeStep2:
			metricMessagesProcessed.WithLabelValues("sync_step2").Inc()
			self.handleSyncStep2(clientId, message, header.Payload)
		case SyncMessageTypeUpdate:
			metricMessagesProcessed.WithLabelValues("sync_update").Inc()
			self.handleSyncUpdate(clientId, message, header.Payload)
		}
	}
}

// handleSyncStep1 replies to a new client's state vector with the missing
// update diff (SS2), then sends the server's own state vector so the client
// pushes back local state, then the full awareness state. the client is
// synced once the reply sequence is written.
func (self *Room) handleSyncStep1(clientId Id, stateVector []byte) {
	client, ok := self.clients.Get(clientId)
	if !ok {
		return
	}
	self.clients.MarkDesynced(clientId)

	diff, err := self.doc.EncodeDiff(stateVector)
	if err != nil {
		glog.Infof("[%s]ss1 from %s = %s\n", self.roomId, clientId, err)
		return
	}
	if err := client.Write(EncodeSyncMessage(SyncMessageTypeStep2, diff)); err != nil {
		glog.Infof("[%s]ss2 reply to %s = %s\n", self.roomId, clientId, err)
		return
	}
	if err := client.Write(EncodeSyncMessage(SyncMessageTypeStep1, self.doc.EncodeStateVector())); err != nil {
		glog.Infof("[%s]ss1 to %s = %s\n", self.roomId, clientId, err)
		return
	}
	if err := client.Write(EncodeAwarenessMessage(self.awareness.EncodeFullState())); err != nil {
		glog.Infof("[%s]awareness state to %s = %s\n", self.roomId, clientId, err)
		return
	}
	self.clients.MarkSynced(clientId)
}

// handleSyncStep2 applies the client's reply to the server's SS1 and
// broadcasts the resulting update to the other synced clients.
func (self *Room) handleSyncStep2(clientId Id, message []byte, update []byte) {
	changed, err := self.doc.ApplyUpdate(update)
	if err != nil {
		glog.Infof("[%s]ss2 from %s = %s\n", self.roomId, clientId, err)
		return
	}
	if changed {
		self.broadcast(message, clientId)
		if self.fileApi != nil {
			self.fileApi.ScheduleSave()
		}
	}
}

func (self *Room) handleSyncUpdate(clientId Id, message []byte, update []byte) {
	client, ok := self.clients.Get(clientId)
	if !ok {
		return
	}
	// an update from a desynced client is a protocol violation
	if client.SyncState() != SyncStateSynced {
		glog.Infof(
			"[%s]sync update from desynced client %s. closing.\n",
			self.roomId,
			clientId,
		)
		self.RemoveClient(clientId)
		return
	}

	if _, err := self.doc.ApplyUpdate(update); err != nil {
		glog.Infof("[%s]sync update from %s = %s\n", self.roomId, clientId, err)
		return
	}
	self.broadcast(message, clientId)
	if self.fileApi != nil {
		self.fileApi.ScheduleSave()
	}
}

func (self *Room) handleAwarenessUpdate(clientId Id, message []byte, payload []byte) {
	if err := self.awareness.ApplyUpdate(payload); err != nil {
		glog.Infof("[%s]awareness update from %s = %s\n", self.roomId, clientId, err)
		return
	}
	self.broadcast(message, clientId)
}

// broadcast writes a message to every synced client except the originator.
// fan-out is fire-and-forget per client; a failed write logs and continues,
// never tearing down the room or blocking the queue consumer.
func (self *Room) broadcast(message []byte, exceptClientId Id) {
	for _, client := range self.clients.Synced() {
		if client.ClientId() == exceptClientId {
			continue
		}
		if err := client.Write(message); err != nil {
			glog.Infof(
				"[%s]broadcast to %s = %s\n",
				self.roomId,
				client.ClientId(),
				err,
			)
			continue
		}
		metricBroadcastBytes.Add(float64(len(message)))
	}
}

// Shutdown transitions active -> draining -> stopped. new connections are
// rejected as soon as draining starts. pending queue entries are flushed
// unless `immediately`. content is persisted when `save`.
func (self *Room) Shutdown(save bool) {
	self.stop(CloseGoingAway, save, false)
}

func (self *Room) stop(closeCode int, save bool, immediately bool) {
	self.stateLock.Lock()
	if self.state == RoomStateDraining || self.state == RoomStateStopped {
		self.stateLock.Unlock()
		return
	}
	self.state = RoomStateDraining
	self.stateLock.Unlock()

	if self.onStopping != nil {
		self.onStopping()
	}

	if immediately {
		dropped := self.queue.drain()
		metricQueueDepth.Sub(float64(len(dropped)))
	}
	self.queue.close()

	select {
	case <-self.consumerDone.WaitChan():
	case <-time.After(self.settings.DrainTimeout):
		glog.Infof("[%s]drain timeout\n", self.roomId)
	}

	if self.fileApi != nil {
		if save {
			if err := self.fileApi.Save(self.doc, self.parsedId.ContentType); err != nil {
				glog.Infof("[%s]save on stop = %s\n", self.roomId, err)
			}
		}
		self.fileApi.Stop()
	}

	self.stateLock.Lock()
	bridge := self.bridge
	self.bridge = nil
	self.stateLock.Unlock()
	if bridge != nil {
		bridge.Close()
	}

	metricConnectedClients.Sub(float64(self.clients.Count()))
	self.clients.Stop(closeCode, "")
	self.cancel()
	self.setState(RoomStateStopped)
	self.stopped.Set()
	metricActiveRooms.Dec()
	glog.Infof("[%s]room stopped code=%d\n", self.roomId, closeCode)
}

// out-of-band handlers. the close code distinction is load-bearing:
// 4000 is recoverable in place, 4001 is not.

func (self *Room) handleOutOfBandChange() {
	self.stop(CloseOutOfBandChange, false, true)
}

func (self *Room) handleOutOfBandMove() {
	self.stop(CloseOutOfBandMove, false, true)
}

func (self *Room) handleInBandDeletion() {
	self.stop(CloseInBandDelete, false, true)
}

// Stopped resolves when the room reaches the stopped state.
func (self *Room) Stopped() <-chan struct{} {
	return self.stopped.WaitChan()
}
