package collab

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newFileTestRoom(t *testing.T, ctx context.Context, content string) (*Room, *MemoryFileIdResolver, string, *testConn) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	err := os.WriteFile(path, []byte(content), 0600)
	assert.Equal(t, err, nil)

	contents := NewDiskContents(dir)
	resolver := NewMemoryFileIdResolver()
	fileId := resolver.Register("doc.txt")

	settings := &FileApiSettings{
		SaveInterval: 30 * time.Millisecond,
		WatchEnabled: false,
	}
	fileApi, err := NewFileApi(ctx, fileId, resolver, contents, settings)
	assert.Equal(t, err, nil)

	room, err := NewRoomWithDefaults(ctx, "text:file:"+fileId, fileApi, nil)
	assert.Equal(t, err, nil)

	conn := newTestConn()
	_, err = room.Register(conn)
	assert.Equal(t, err, nil)
	return room, resolver, path, conn
}

func TestFileApiLoadAndSave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, _, path, _ := newFileTestRoom(t, ctx, "initial")
	defer room.Shutdown(false)

	assert.Equal(t, room.Document().Text(), "initial")

	// a document mutation schedules a debounced save
	room.Document().SetText("updated")
	waitFor(t, 2*time.Second, func() bool {
		content, err := os.ReadFile(path)
		return err == nil && string(content) == "updated"
	})
}

func TestFileApiUnresolvableId(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := NewMemoryFileIdResolver()
	contents := NewDiskContents(t.TempDir())
	_, err := NewFileApi(ctx, "ghost", resolver, contents, DefaultFileApiSettings())
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}

func TestFileApiOutOfBandChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, _, path, conn := newFileTestRoom(t, ctx, "initial")

	// external edit with a different modification time
	err := os.WriteFile(path, []byte("edited elsewhere"), 0600)
	assert.Equal(t, err, nil)
	future := time.Now().Add(5 * time.Second)
	err = os.Chtimes(path, future, future)
	assert.Equal(t, err, nil)

	waitFor(t, 2*time.Second, func() bool {
		return room.State() == RoomStateStopped
	})
	closed, closeCode := conn.Closed()
	assert.Equal(t, closed, true)
	assert.Equal(t, closeCode, CloseOutOfBandChange)

	// the external content is never clobbered
	content, err := os.ReadFile(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(content), "edited elsewhere")
}

func TestFileApiOutOfBandMove(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, resolver, path, conn := newFileTestRoom(t, ctx, "initial")

	err := os.Remove(path)
	assert.Equal(t, err, nil)

	waitFor(t, 2*time.Second, func() bool {
		return room.State() == RoomStateStopped
	})
	closed, closeCode := conn.Closed()
	assert.Equal(t, closed, true)
	assert.Equal(t, closeCode, CloseOutOfBandMove)

	// the file id mapping is released, so the document cannot come back as
	// a fresh empty room under the same id
	_, ok := resolver.Path(room.ParsedId().FileId)
	assert.Equal(t, ok, false)
}

func TestFileApiSaveOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	contents := NewDiskContents(dir)
	resolver := NewMemoryFileIdResolver()
	fileId := resolver.Register("new.txt")

	// no backing file yet. treated as a new empty document, not a move.
	settings := &FileApiSettings{
		SaveInterval: time.Hour,
		WatchEnabled: false,
	}
	fileApi, err := NewFileApi(ctx, fileId, resolver, contents, settings)
	assert.Equal(t, err, nil)
	room, err := NewRoomWithDefaults(ctx, "text:file:"+fileId, fileApi, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, room.Document().Text(), "")

	room.Document().SetText("final")
	room.Shutdown(true)

	content, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.TrimSpace(string(content)), "final")
}
