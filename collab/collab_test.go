package collab

import (
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestIdRoundTrip(t *testing.T) {
	id := NewId()

	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)

	fromBytes, err := IdFromBytes(id.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, fromBytes, id)

	_, err = IdFromBytes([]byte{0, 1, 2})
	assert.NotEqual(t, err, nil)
}

func TestParseRoomId(t *testing.T) {
	roomId, err := ParseRoomId("json:notebook:abc123")
	assert.Equal(t, err, nil)
	assert.Equal(t, roomId.Format, "json")
	assert.Equal(t, roomId.ContentType, "notebook")
	assert.Equal(t, roomId.FileId, "abc123")
	assert.Equal(t, roomId.IsNotebook(), true)
	assert.Equal(t, roomId.IsGlobalAwareness(), false)
	assert.Equal(t, roomId.String(), "json:notebook:abc123")

	global, err := ParseRoomId(GlobalAwarenessRoomId)
	assert.Equal(t, err, nil)
	assert.Equal(t, global.IsGlobalAwareness(), true)
	assert.Equal(t, global.String(), GlobalAwarenessRoomId)

	_, err = ParseRoomId("notebook:abc123")
	assert.NotEqual(t, err, nil)
	_, err = ParseRoomId("json::abc123")
	assert.NotEqual(t, err, nil)
}

// test transport endpoint. records writes and the close code.
type testConn struct {
	stateLock sync.Mutex

	messages    [][]byte
	closed      bool
	closeCode   int
	closeReason string
}

func newTestConn() *testConn {
	return &testConn{}
}

func (self *testConn) WriteMessage(message []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.messages = append(self.messages, message)
	return nil
}

func (self *testConn) Close(closeCode int, reason string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.closed {
		self.closed = true
		self.closeCode = closeCode
		self.closeReason = reason
	}
	return nil
}

func (self *testConn) Messages() [][]byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	messages := make([][]byte, len(self.messages))
	copy(messages, self.messages)
	return messages
}

func (self *testConn) MessageCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.messages)
}

func (self *testConn) Closed() (bool, int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.closed, self.closeCode
}

func (self *testConn) CloseReason() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.closeReason
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}
