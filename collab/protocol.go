package collab

import (
	"fmt"
)

// wire protocol for the per-room message channel.
//
// every message starts with a one-byte type. sync messages carry a second
// subtype byte. the remainder of the message is the payload:
//
//	[0, 0, <state vector>]   SyncStep1
//	[0, 1, <update diff>]    SyncStep2
//	[0, 2, <update>]         SyncUpdate
//	[1, <awareness update>]  AwarenessUpdate
//
// a new client sends SyncStep1 with its state vector. the server replies
// SyncStep2 with the missing update diff, then sends its own SyncStep1 so
// the client pushes back any local state the server is missing.

type MessageType byte

const (
	MessageTypeSync      MessageType = 0
	MessageTypeAwareness MessageType = 1
)

type SyncMessageType byte

const (
	SyncMessageTypeStep1  SyncMessageType = 0
	SyncMessageTypeStep2  SyncMessageType = 1
	SyncMessageTypeUpdate SyncMessageType = 2
)

func EncodeSyncMessage(syncMessageType SyncMessageType, payload []byte) []byte {
	message := make([]byte, 0, 2+len(payload))
	message = append(message, byte(MessageTypeSync), byte(syncMessageType))
	return append(message, payload...)
}

func EncodeAwarenessMessage(payload []byte) []byte {
	message := make([]byte, 0, 1+len(payload))
	message = append(message, byte(MessageTypeAwareness))
	return append(message, payload...)
}

// a parsed inbound message header
type MessageHeader struct {
	MessageType     MessageType
	SyncMessageType SyncMessageType
	Payload         []byte
}

func ParseMessage(message []byte) (MessageHeader, error) {
	if len(message) == 0 {
		return MessageHeader{}, fmt.Errorf("empty message")
	}
	switch MessageType(message[0]) {
	case MessageTypeAwareness:
		return MessageHeader{
			MessageType: MessageTypeAwareness,
			Payload:     message[1:],
		}, nil
	case MessageTypeSync:
		if len(message) < 2 {
			return MessageHeader{}, fmt.Errorf("sync message missing subtype")
		}
		syncMessageType := SyncMessageType(message[1])
		switch syncMessageType {
		case SyncMessageTypeStep1, SyncMessageTypeStep2, SyncMessageTypeUpdate:
			return MessageHeader{
				MessageType:     MessageTypeSync,
				SyncMessageType: syncMessageType,
				Payload:         message[2:],
			}, nil
		default:
			return MessageHeader{}, fmt.Errorf("unrecognized sync message subtype %d", message[1])
		}
	default:
		return MessageHeader{}, fmt.Errorf("unrecognized message type %d", message[0])
	}
}
