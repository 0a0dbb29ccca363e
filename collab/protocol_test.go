package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseSyncMessage(t *testing.T) {
	payload := []byte(`{"a":1}`)

	for _, syncMessageType := range []SyncMessageType{
		SyncMessageTypeStep1,
		SyncMessageTypeStep2,
		SyncMessageTypeUpdate,
	} {
		message := EncodeSyncMessage(syncMessageType, payload)
		header, err := ParseMessage(message)
		assert.Equal(t, err, nil)
		assert.Equal(t, header.MessageType, MessageTypeSync)
		assert.Equal(t, header.SyncMessageType, syncMessageType)
		assert.Equal(t, header.Payload, payload)
	}
}

func TestParseAwarenessMessage(t *testing.T) {
	payload := []byte(`{"client_id":"c1"}`)
	header, err := ParseMessage(EncodeAwarenessMessage(payload))
	assert.Equal(t, err, nil)
	assert.Equal(t, header.MessageType, MessageTypeAwareness)
	assert.Equal(t, header.Payload, payload)
}

func TestParseMalformedMessage(t *testing.T) {
	_, err := ParseMessage(nil)
	assert.NotEqual(t, err, nil)

	// sync with no subtype
	_, err = ParseMessage([]byte{0})
	assert.NotEqual(t, err, nil)

	// unknown sync subtype
	_, err = ParseMessage([]byte{0, 9})
	assert.NotEqual(t, err, nil)

	// unknown message type
	_, err = ParseMessage([]byte{7, 0})
	assert.NotEqual(t, err, nil)
}
