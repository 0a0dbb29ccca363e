package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// per-client synchronization states. a client receives no broadcast traffic
// and may not submit edits until it reaches `synced` via the two-step
// handshake (document state vector exchange, then awareness state).
type SyncState int

const (
	SyncStateConnecting SyncState = iota
	SyncStateDesynced
	SyncStateSynced
	SyncStateClosing
)

func (self SyncState) String() string {
	switch self {
	case SyncStateConnecting:
		return "connecting"
	case SyncStateDesynced:
		return "desynced"
	case SyncStateSynced:
		return "synced"
	case SyncStateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ClientConn is the transport endpoint for one connected client.
// implementations must be safe for concurrent writes and must not block
// indefinitely; a failed or timed-out write may close the underlying
// connection.
type ClientConn interface {
	WriteMessage(message []byte) error
	Close(closeCode int, reason string) error
}

type Client struct {
	clientId Id
	conn     ClientConn

	stateLock    sync.Mutex
	syncState    SyncState
	lastModified time.Time
}

func newClient(conn ClientConn) *Client {
	return &Client{
		clientId:     NewId(),
		conn:         conn,
		syncState:    SyncStateConnecting,
		lastModified: time.Now(),
	}
}

func (self *Client) ClientId() Id {
	return self.clientId
}

func (self *Client) SyncState() SyncState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.syncState
}

func (self *Client) setSyncState(syncState SyncState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.syncState = syncState
	self.lastModified = time.Now()
}

func (self *Client) LastModified() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastModified
}

// Write sends one message to the client. per-client write order is the call
// order, so broadcasts are never reordered on the wire for a given client.
func (self *Client) Write(message []byte) error {
	return self.conn.WriteMessage(message)
}

type ClientGroupSettings struct {
	// a client that has not reached synced within this window is closed
	HandshakeTimeout time.Duration
	SweepInterval    time.Duration
}

func DefaultClientGroupSettings() *ClientGroupSettings {
	return &ClientGroupSettings{
		HandshakeTimeout: 30 * time.Second,
		SweepInterval:    5 * time.Second,
	}
}

// ClientGroup tracks the clients connected to one room. mutated only by the
// owning room in response to connect/disconnect events.
type ClientGroup struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomId string

	stateLock sync.Mutex
	clients   map[Id]*Client

	settings *ClientGroupSettings
}

func NewClientGroup(ctx context.Context, roomId string, settings *ClientGroupSettings) *ClientGroup {
	cancelCtx, cancel := context.WithCancel(ctx)
	clientGroup := &ClientGroup{
		ctx:      cancelCtx,
		cancel:   cancel,
		roomId:   roomId,
		clients:  map[Id]*Client{},
		settings: settings,
	}
	go clientGroup.run()
	return clientGroup
}

// run periodically closes clients stuck in the handshake. a client that
// never completes SS1+SS2 would otherwise hold a registration forever.
func (self *ClientGroup) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
		}

		now := time.Now()
		for _, client := range self.All() {
			if client.SyncState() == SyncStateSynced {
				continue
			}
			if self.settings.HandshakeTimeout <= now.Sub(client.LastModified()) {
				glog.Infof(
					"[%s]client %s handshake timeout. closing.\n",
					self.roomId,
					client.ClientId(),
				)
				self.Remove(client.ClientId(), CloseGoingAway, ErrHandshakeTimeout.Error())
			}
		}
	}
}

// Add registers a new connection and assigns a client id unique within the
// room. the client starts desynced and receives no broadcasts.
func (self *ClientGroup) Add(conn ClientConn) *Client {
	client := newClient(conn)
	client.setSyncState(SyncStateDesynced)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.clients[client.clientId] = client
	return client
}

func (self *ClientGroup) Get(clientId Id) (*Client, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	client, ok := self.clients[clientId]
	return client, ok
}

func (self *ClientGroup) MarkSynced(clientId Id) {
	if client, ok := self.Get(clientId); ok {
		client.setSyncState(SyncStateSynced)
	}
}

func (self *ClientGroup) MarkDesynced(clientId Id) {
	if client, ok := self.Get(clientId); ok {
		client.setSyncState(SyncStateDesynced)
	}
}

// Remove transitions the client to closing, releases its id, and closes the
// transport with the given code.
func (self *ClientGroup) Remove(clientId Id, closeCode int, reason string) {
	self.stateLock.Lock()
	client, ok := self.clients[clientId]
	delete(self.clients, clientId)
	self.stateLock.Unlock()

	if !ok {
		return
	}
	client.setSyncState(SyncStateClosing)
	if err := client.conn.Close(closeCode, reason); err != nil {
		glog.V(1).Infof(
			"[%s]close client %s = %s\n",
			self.roomId,
			clientId,
			err,
		)
	}
}

func (self *ClientGroup) All() []*Client {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Values(self.clients)
}

// Synced returns the clients eligible for broadcast traffic.
func (self *ClientGroup) Synced() []*Client {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	synced := []*Client{}
	for _, client := range self.clients {
		if client.SyncState() == SyncStateSynced {
			synced = append(synced, client)
		}
	}
	return synced
}

func (self *ClientGroup) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.clients)
}

// Stop closes every client with the given code and stops the sweep task.
func (self *ClientGroup) Stop(closeCode int, reason string) {
	self.cancel()
	for _, client := range self.All() {
		self.Remove(client.ClientId(), closeCode, reason)
	}
}
