package collab

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// room id for the reserved global awareness channel
// this room has no backing file and is never idle-evicted
const GlobalAwarenessRoomId = "collab:globalAwareness"

var (
	// the room or file reference cannot be resolved
	ErrNotFound = errors.New("not found")
	// a message arrived from a client id that is not in the registry
	ErrUnregisteredClient = errors.New("unregistered client")
	// the room is stopped or draining and accepts no new work
	ErrRoomStopped = errors.New("room stopped")
	// an execution request cannot be forwarded to the kernel
	ErrKernelUnavailable = errors.New("kernel unavailable")
	// the client did not complete the sync handshake in time
	ErrHandshakeTimeout = errors.New("handshake timeout")
)

// close codes sent to clients. see the reason code contract:
// 4000 and 4001 distinguish recoverable from fatal out-of-band changes.
const (
	// server shutting down / room stopped. no reconnect.
	CloseGoingAway = 1001
	// out-of-band content change. discard local state and reconnect fresh.
	CloseOutOfBandChange = 4000
	// out-of-band move/delete. close permanently.
	CloseOutOfBandMove = 4001
	// in-band delete. close permanently.
	CloseInBandDelete = 4002
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(strings.ToUpper(idStr))
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) Bytes() []byte {
	return self[:]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) LessThan(b Id) bool {
	return ulid.ULID(self).Compare(ulid.ULID(b)) < 0
}

func (self Id) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *Id) UnmarshalText(text []byte) error {
	id, err := ParseId(string(text))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

func (self Id) Hex() string {
	return hex.EncodeToString(self[:])
}

// a room id encodes {serialization format}:{content type}:{file id}
// e.g. "json:notebook:8f3c..." or "text:file:ab12..."
// the reserved `GlobalAwarenessRoomId` is the only id that does not
// reference a file
type RoomId struct {
	Format      string
	ContentType string
	FileId      string
}

func ParseRoomId(roomId string) (RoomId, error) {
	if roomId == GlobalAwarenessRoomId {
		return RoomId{Format: "collab", ContentType: "globalAwareness"}, nil
	}
	parts := strings.SplitN(roomId, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return RoomId{}, fmt.Errorf("malformed room id %q: %w", roomId, ErrNotFound)
	}
	return RoomId{
		Format:      parts[0],
		ContentType: parts[1],
		FileId:      parts[2],
	}, nil
}

func (self RoomId) IsGlobalAwareness() bool {
	return self.ContentType == "globalAwareness"
}

func (self RoomId) IsNotebook() bool {
	return self.ContentType == "notebook"
}

func (self RoomId) String() string {
	if self.IsGlobalAwareness() {
		return GlobalAwarenessRoomId
	}
	return fmt.Sprintf("%s:%s:%s", self.Format, self.ContentType, self.FileId)
}
