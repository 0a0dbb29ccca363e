package collab

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestManager(t *testing.T, ctx context.Context, idleTimeout time.Duration) (*RoomManager, *MemoryFileIdResolver, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	err := os.WriteFile(path, []byte("content"), 0600)
	assert.Equal(t, err, nil)

	resolver := NewMemoryFileIdResolver()
	fileId := resolver.Register("doc.txt")

	settings := DefaultRoomManagerSettings()
	settings.IdleTimeout = idleTimeout
	settings.FileApiSettings = &FileApiSettings{
		SaveInterval: 50 * time.Millisecond,
		WatchEnabled: false,
	}
	manager := NewRoomManager(ctx, resolver, NewDiskContents(dir), settings)
	return manager, resolver, fileId
}

func TestManagerGetRoom(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, _, fileId := newTestManager(t, ctx, time.Hour)
	defer manager.Stop()

	roomId := "text:file:" + fileId
	assert.Equal(t, manager.HasRoom(roomId), false)

	room, err := manager.GetRoom(roomId)
	assert.Equal(t, err, nil)
	assert.Equal(t, room.Document().Text(), "content")
	assert.Equal(t, manager.HasRoom(roomId), true)

	// same id returns the same live room
	again, err := manager.GetRoom(roomId)
	assert.Equal(t, err, nil)
	assert.Equal(t, again == room, true)

	// unresolvable file id rejects the room
	_, err = manager.GetRoom("text:file:ghost")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
	_, err = manager.GetRoom("malformed")
	assert.NotEqual(t, err, nil)
}

func TestManagerConcurrentCreate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, _, fileId := newTestManager(t, ctx, time.Hour)
	defer manager.Stop()

	roomId := "text:file:" + fileId

	n := 16
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, err := manager.GetRoom(roomId)
			if err == nil {
				rooms[i] = room
			}
		}()
	}
	wg.Wait()

	for _, room := range rooms {
		assert.Equal(t, room == rooms[0], true)
		assert.NotEqual(t, room, nil)
	}
	assert.Equal(t, len(manager.Rooms()), 1)
}

func TestManagerIdleEviction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, _, fileId := newTestManager(t, ctx, 150*time.Millisecond)
	defer manager.Stop()

	roomId := "text:file:" + fileId
	room, err := manager.GetRoom(roomId)
	assert.Equal(t, err, nil)

	// no clients, no activity, idle kernel: evicted after two sweeps
	waitFor(t, 5*time.Second, func() bool {
		return room.State() == RoomStateStopped && !manager.HasRoom(roomId)
	})

	// a later get creates a fresh room
	fresh, err := manager.GetRoom(roomId)
	assert.Equal(t, err, nil)
	assert.Equal(t, fresh == room, false)
	assert.Equal(t, fresh.State(), RoomStateActive)
}

func TestManagerConnectedClientBlocksEviction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, _, fileId := newTestManager(t, ctx, 150*time.Millisecond)
	defer manager.Stop()

	room, err := manager.GetRoom("text:file:" + fileId)
	assert.Equal(t, err, nil)
	_, err = room.Register(newTestConn())
	assert.Equal(t, err, nil)

	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, room.State(), RoomStateActive)
}

func TestManagerBusyKernelBlocksEviction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, _, fileId := newTestManager(t, ctx, 150*time.Millisecond)
	defer manager.Stop()

	room, err := manager.GetRoom("text:file:" + fileId)
	assert.Equal(t, err, nil)
	room.Awareness().SetLocalStateField("kernel", map[string]any{
		"execution_state": "busy",
	})

	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, room.State(), RoomStateActive)

	// once the kernel goes idle the room becomes evictable
	room.Awareness().SetLocalStateField("kernel", map[string]any{
		"execution_state": "idle",
	})
	waitFor(t, 5*time.Second, func() bool {
		return room.State() == RoomStateStopped
	})
}

func TestManagerGlobalAwarenessNeverEvicted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, _, _ := newTestManager(t, ctx, 100*time.Millisecond)
	defer manager.Stop()

	room, err := manager.GetRoom(GlobalAwarenessRoomId)
	assert.Equal(t, err, nil)
	assert.Equal(t, room.FileApi(), nil)

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, room.State(), RoomStateActive)
}

func TestManagerInBandDeletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, resolver, fileId := newTestManager(t, ctx, time.Hour)
	defer manager.Stop()

	roomId := "text:file:" + fileId
	room, err := manager.GetRoom(roomId)
	assert.Equal(t, err, nil)
	conn := newTestConn()
	_, err = room.Register(conn)
	assert.Equal(t, err, nil)

	manager.HandleFileDeleted(fileId)

	assert.Equal(t, room.State(), RoomStateStopped)
	closed, closeCode := conn.Closed()
	assert.Equal(t, closed, true)
	assert.Equal(t, closeCode, CloseInBandDelete)

	// the file id no longer resolves, so the room cannot be recreated
	_, ok := resolver.Path(fileId)
	assert.Equal(t, ok, false)
	_, err = manager.GetRoom(roomId)
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}

func TestManagerOutOfBandDeletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, resolver, fileId := newTestManager(t, ctx, time.Hour)
	defer manager.Stop()

	roomId := "text:file:" + fileId
	room, err := manager.GetRoom(roomId)
	assert.Equal(t, err, nil)
	conn := newTestConn()
	_, err = room.Register(conn)
	assert.Equal(t, err, nil)

	// the backing file disappears underneath the room
	path, ok := resolver.Path(fileId)
	assert.Equal(t, ok, true)
	err = os.Remove(manager.contents.(*DiskContents).abs(path))
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		return room.State() == RoomStateStopped && !manager.HasRoom(roomId)
	})
	closed, closeCode := conn.Closed()
	assert.Equal(t, closed, true)
	assert.Equal(t, closeCode, CloseOutOfBandMove)

	// the id stays dead. a later get must not produce an empty document.
	_, ok = resolver.Path(fileId)
	assert.Equal(t, ok, false)
	_, err = manager.GetRoom(roomId)
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}

func TestManagerStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, _, fileId := newTestManager(t, ctx, time.Hour)

	room, err := manager.GetRoom("text:file:" + fileId)
	assert.Equal(t, err, nil)
	room.Document().SetText("persist me")

	manager.Stop()
	assert.Equal(t, room.State(), RoomStateStopped)
	assert.Equal(t, len(manager.Rooms()), 0)
}
