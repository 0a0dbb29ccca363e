package collab

import (
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
)

// Awareness is the ephemeral presence/status channel for one room: a
// per-client key-value state blob (user identity, cursor, kernel execution
// summary). last-writer-wins per client, never persisted, and entries are
// removed when the owning client disconnects.
//
// awareness updates carry no causal ordering relative to document updates.

type AwarenessState map[string]any

type awarenessUpdate struct {
	ClientId string         `json:"client_id"`
	State    AwarenessState `json:"state"`
	Removed  bool           `json:"removed,omitempty"`
}

type AwarenessObserver func(update []byte)

type Awareness struct {
	stateLock sync.Mutex

	states map[string]AwarenessState

	// the server's own entry, keyed by the reserved local client id
	localClientId string

	observers *callbackList[AwarenessObserver]
}

func NewAwareness(localClientId string) *Awareness {
	return &Awareness{
		states:        map[string]AwarenessState{},
		localClientId: localClientId,
		observers:     newCallbackList[AwarenessObserver](),
	}
}

// Observe registers an observer invoked with the encoded awareness payload
// for each locally originated change. Returns an unsubscribe function.
func (self *Awareness) Observe(observer AwarenessObserver) func() {
	return self.observers.add(observer)
}

// ApplyUpdate merges a client awareness payload. last write wins per client.
func (self *Awareness) ApplyUpdate(payload []byte) error {
	update := &awarenessUpdate{}
	if err := json.Unmarshal(payload, update); err != nil {
		return fmt.Errorf("malformed awareness update: %w", err)
	}
	if update.ClientId == "" {
		return fmt.Errorf("awareness update missing client id")
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if update.Removed {
		delete(self.states, update.ClientId)
	} else {
		self.states[update.ClientId] = update.State
	}
	return nil
}

// SetLocalStateField upserts one key of the server's own awareness entry and
// notifies observers with the encoded update for broadcast.
func (self *Awareness) SetLocalStateField(key string, value any) {
	self.stateLock.Lock()
	state, ok := self.states[self.localClientId]
	if !ok {
		state = AwarenessState{}
		self.states[self.localClientId] = state
	}
	state[key] = value
	payload, _ := json.Marshal(&awarenessUpdate{
		ClientId: self.localClientId,
		State:    maps.Clone(state),
	})
	self.stateLock.Unlock()

	for _, observer := range self.observers.get() {
		observer(payload)
	}
}

// SetLocalCellState upserts one cell's execution summary under the
// "cell_states" key of the server's awareness entry. this is the fast,
// best-effort hint mirrored from the persisted cell execution state.
func (self *Awareness) SetLocalCellState(cellId string, state string) {
	self.stateLock.Lock()
	local, ok := self.states[self.localClientId]
	if !ok {
		local = AwarenessState{}
		self.states[self.localClientId] = local
	}
	cellStates, ok := local["cell_states"].(map[string]any)
	if !ok {
		cellStates = map[string]any{}
	}
	cellStates[cellId] = state
	self.stateLock.Unlock()

	self.SetLocalStateField("cell_states", cellStates)
}

// Remove drops a disconnected client's entry and notifies observers so the
// removal is broadcast to the remaining clients.
func (self *Awareness) Remove(clientId string) {
	self.stateLock.Lock()
	_, ok := self.states[clientId]
	delete(self.states, clientId)
	self.stateLock.Unlock()

	if !ok {
		return
	}
	payload, _ := json.Marshal(&awarenessUpdate{
		ClientId: clientId,
		Removed:  true,
	})
	for _, observer := range self.observers.get() {
		observer(payload)
	}
}

func (self *Awareness) State(clientId string) (AwarenessState, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.states[clientId]
	return state, ok
}

func (self *Awareness) LocalState() AwarenessState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.states[self.localClientId]
}

// EncodeFullState encodes every known entry. sent to a client as the second
// handshake step ("SS2" awareness exchange) so a newly synced client sees
// the current presence immediately.
func (self *Awareness) EncodeFullState() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	updates := []awarenessUpdate{}
	for clientId, state := range self.states {
		updates = append(updates, awarenessUpdate{
			ClientId: clientId,
			State:    state,
		})
	}
	payload, _ := json.Marshal(updates)
	return payload
}
