package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
)

type RoomManagerSettings struct {
	// a room with no clients and an idle kernel is evicted after this long
	IdleTimeout time.Duration

	RoomSettings    *RoomSettings
	FileApiSettings *FileApiSettings
}

func DefaultRoomManagerSettings() *RoomManagerSettings {
	return &RoomManagerSettings{
		IdleTimeout:     10 * time.Second,
		RoomSettings:    DefaultRoomSettings(),
		FileApiSettings: DefaultFileApiSettings(),
	}
}

// RoomManager owns the room map: it creates rooms on demand, deduplicates
// concurrent creation for the same id, and evicts rooms that have been idle
// with no clients and no running execution.
//
// eviction is two-strike: a room must be observed idle on two consecutive
// sweeps before it is shut down, so a client reconnecting between sweeps
// always finds its room.
type RoomManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	resolver FileIdResolver
	contents ContentsStore

	stateLock   sync.Mutex
	rooms       map[string]*Room
	idleStrikes map[string]bool

	createGroup singleflight.Group

	settings *RoomManagerSettings
}

func NewRoomManagerWithDefaults(
	ctx context.Context,
	resolver FileIdResolver,
	contents ContentsStore,
) *RoomManager {
	return NewRoomManager(ctx, resolver, contents, DefaultRoomManagerSettings())
}

func NewRoomManager(
	ctx context.Context,
	resolver FileIdResolver,
	contents ContentsStore,
	settings *RoomManagerSettings,
) *RoomManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	roomManager := &RoomManager{
		ctx:         cancelCtx,
		cancel:      cancel,
		resolver:    resolver,
		contents:    contents,
		rooms:       map[string]*Room{},
		idleStrikes: map[string]bool{},
		settings:    settings,
	}
	go roomManager.run()
	return roomManager
}

// GetRoom returns the live room for the id, creating it when absent.
// concurrent calls for the same id share one creation; the losers get the
// winner's room. a stopped room is treated as absent.
func (self *RoomManager) GetRoom(roomId string) (*Room, error) {
	self.stateLock.Lock()
	if room, ok := self.rooms[roomId]; ok && room.State() != RoomStateStopped {
		self.stateLock.Unlock()
		return room, nil
	}
	self.stateLock.Unlock()

	out, err, _ := self.createGroup.Do(roomId, func() (any, error) {
		self.stateLock.Lock()
		if room, ok := self.rooms[roomId]; ok && room.State() != RoomStateStopped {
			self.stateLock.Unlock()
			return room, nil
		}
		self.stateLock.Unlock()

		room, err := self.createRoom(roomId)
		if err != nil {
			return nil, err
		}

		self.stateLock.Lock()
		self.rooms[roomId] = room
		delete(self.idleStrikes, roomId)
		self.stateLock.Unlock()
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*Room), nil
}

func (self *RoomManager) createRoom(roomId string) (*Room, error) {
	parsedId, err := ParseRoomId(roomId)
	if err != nil {
		return nil, err
	}

	// the global awareness room has no backing file
	var fileApi *FileApi
	if !parsedId.IsGlobalAwareness() {
		fileApi, err = NewFileApi(
			self.ctx,
			parsedId.FileId,
			self.resolver,
			self.contents,
			self.settings.FileApiSettings,
		)
		if err != nil {
			return nil, err
		}
	}

	return NewRoom(
		self.ctx,
		roomId,
		fileApi,
		func() {
			self.removeRoom(roomId)
		},
		self.settings.RoomSettings,
	)
}

func (self *RoomManager) removeRoom(roomId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.rooms, roomId)
	delete(self.idleStrikes, roomId)
}

// HasRoom reports whether a live room exists for the id, without creating
// one.
func (self *RoomManager) HasRoom(roomId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	room, ok := self.rooms[roomId]
	return ok && room.State() != RoomStateStopped
}

func (self *RoomManager) Rooms() []*Room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rooms := []*Room{}
	for _, room := range self.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// HandleFileDeleted stops every room backed by the file with an in-band
// deletion close, and releases the file id mapping.
func (self *RoomManager) HandleFileDeleted(fileId string) {
	for _, room := range self.Rooms() {
		if room.ParsedId().FileId == fileId {
			room.handleInBandDeletion()
		}
	}
	if resolver, ok := self.resolver.(*MemoryFileIdResolver); ok {
		resolver.Remove(fileId)
	}
}

func (self *RoomManager) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.IdleTimeout / 2):
			self.sweep()
		}
	}
}

// sweep marks rooms observed idle and evicts rooms still idle from the
// previous sweep. a room with connected clients, recent activity, or a
// kernel mid-execution is never evicted.
func (self *RoomManager) sweep() {
	for _, room := range self.Rooms() {
		roomId := room.RoomId()
		if room.ParsedId().IsGlobalAwareness() {
			continue
		}

		idle := self.roomIdle(room)

		self.stateLock.Lock()
		strike := self.idleStrikes[roomId]
		self.idleStrikes[roomId] = idle
		self.stateLock.Unlock()

		if idle && strike {
			glog.Infof("[%s]evicting idle room\n", roomId)
			room.Shutdown(true)
			metricRoomsEvicted.Inc()
		}
	}
}

func (self *RoomManager) roomIdle(room *Room) bool {
	if 0 < room.Clients().Count() {
		return false
	}
	if time.Since(room.LastActivity()) < self.settings.IdleTimeout {
		return false
	}
	switch room.KernelExecutionState() {
	case "", "idle", "dead":
		return true
	default:
		// busy or starting. execution output must land in the document.
		return false
	}
}

// Stop shuts down every room, saving content.
func (self *RoomManager) Stop() {
	rooms := self.Rooms()

	var wg sync.WaitGroup
	for _, room := range rooms {
		room := room
		wg.Add(1)
		go func() {
			defer wg.Done()
			room.Shutdown(true)
		}()
	}
	wg.Wait()
	self.cancel()
}
