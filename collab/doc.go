package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Document is the replicated content of one room: an ordered sequence of
// cells for notebooks, or raw text for plain files.
//
// all mutations, local and remote, are expressed as ops tagged with an
// (origin, clock) timestamp. ops are commutative by construction:
//   - scalar fields merge last-writer-wins by timestamp
//   - cell order is a sorted sequence of position keys with tombstoned deletes
//   - output lists are ordered by timestamp, cleared up to a clear watermark
//
// so two documents that have seen the same set of ops are identical
// regardless of arrival interleaving. a state vector (max clock per origin)
// plus the per-origin op log gives cheap diffs for the sync handshake.
//
// the document itself is not goroutine-safe for mutation ordering
// guarantees. the owning room's queue consumer is the only writer.

type CellType string

const (
	CellTypeCode     CellType = "code"
	CellTypeMarkdown CellType = "markdown"
	CellTypeRaw      CellType = "raw"
)

type Output struct {
	OutputType     string            `json:"output_type"`
	Name           string            `json:"name,omitempty"`
	Text           string            `json:"text,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	ExecutionCount int               `json:"execution_count,omitempty"`
	Ename          string            `json:"ename,omitempty"`
	Evalue         string            `json:"evalue,omitempty"`
	Traceback      []string          `json:"traceback,omitempty"`
}

// the metadata key marking a document-resident reference to an externally
// stored output
const OutputPlaceholderKey = "outputs_service"

// NewPlaceholderOutput builds the lightweight output entry inserted into the
// document in place of a large payload. the locator is all a client needs to
// fetch the stored content.
func NewPlaceholderOutput(locator string, mimeType string, sizeHint int) Output {
	return Output{
		OutputType: "display_data",
		Data: map[string]string{
			"text/html": fmt.Sprintf("<a href=%q>Output</a>", locator),
		},
		Metadata: map[string]any{
			OutputPlaceholderKey: true,
			"locator":            locator,
			"mime_type":          mimeType,
			"size_hint":          sizeHint,
		},
	}
}

func (self Output) IsPlaceholder() bool {
	v, ok := self.Metadata[OutputPlaceholderKey]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func (self Output) Locator() string {
	locator, _ := self.Metadata["locator"].(string)
	return locator
}

type Cell struct {
	Id             string   `json:"id"`
	CellType       CellType `json:"cell_type"`
	Source         string   `json:"source"`
	ExecutionCount int      `json:"execution_count,omitempty"`
	ExecutionState string   `json:"execution_state,omitempty"`
	Outputs        []Output `json:"outputs,omitempty"`
}

// (clock, origin) timestamp. total order: clock, then origin bytes.
type opTimestamp struct {
	Clock  uint64 `json:"clock"`
	Origin Id     `json:"origin"`
}

func (self opTimestamp) less(b opTimestamp) bool {
	if self.Clock != b.Clock {
		return self.Clock < b.Clock
	}
	return bytes.Compare(self.Origin[:], b.Origin[:]) < 0
}

func (self opTimestamp) lessEqual(b opTimestamp) bool {
	return !b.less(self)
}

type opKind string

const (
	opInsertCell        opKind = "insert_cell"
	opDeleteCell        opKind = "delete_cell"
	opSetSource         opKind = "set_source"
	opSetExecutionState opKind = "set_execution_state"
	opSetExecutionCount opKind = "set_execution_count"
	opAppendOutput      opKind = "append_output"
	opClearOutputs      opKind = "clear_outputs"
	opSetText           opKind = "set_text"
)

type docOp struct {
	opTimestamp
	Kind   opKind  `json:"kind"`
	CellId string  `json:"cell_id,omitempty"`
	Pos    string  `json:"pos,omitempty"`
	Cell   *Cell   `json:"cell,omitempty"`
	Str    string  `json:"str,omitempty"`
	Int    int     `json:"int,omitempty"`
	Output *Output `json:"output,omitempty"`
}

type outputEntry struct {
	ts     opTimestamp
	output Output
}

type cellState struct {
	pos     string
	deleted bool

	cellType CellType
	insertTs opTimestamp

	source   string
	sourceTs opTimestamp

	executionState   string
	executionStateTs opTimestamp

	executionCount   int
	executionCountTs opTimestamp

	// outputs with ts <= clearTs are dropped
	outputs []outputEntry
	clearTs opTimestamp
}

// DocumentObserver is invoked synchronously, in the mutating goroutine, with
// the encoded update for each local mutation.
type DocumentObserver func(update []byte)

type Document struct {
	stateLock sync.Mutex

	localOrigin Id

	// state vector: max clock applied per origin
	version map[Id]uint64
	// per origin op log ordered by clock, for handshake diffs
	ops map[Id][]docOp

	cells map[string]*cellState

	text   string
	textTs opTimestamp

	observers *callbackList[DocumentObserver]
}

func NewDocument(localOrigin Id) *Document {
	return &Document{
		localOrigin: localOrigin,
		version:     map[Id]uint64{},
		ops:         map[Id][]docOp{},
		cells:       map[string]*cellState{},
		observers:   newCallbackList[DocumentObserver](),
	}
}

// Observe registers an observer invoked on each local mutation with the
// encoded update. Returns an unsubscribe function.
func (self *Document) Observe(observer DocumentObserver) func() {
	return self.observers.add(observer)
}

// EncodeStateVector returns the state vector payload for a SyncStep1 message.
func (self *Document) EncodeStateVector() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	vector := map[string]uint64{}
	for origin, clock := range self.version {
		vector[origin.String()] = clock
	}
	payload, _ := json.Marshal(vector)
	return payload
}

// EncodeDiff returns the update containing every op the remote state vector
// has not seen. used as the SyncStep2 reply payload.
func (self *Document) EncodeDiff(remoteStateVector []byte) ([]byte, error) {
	vector := map[string]uint64{}
	if len(remoteStateVector) > 0 {
		if err := json.Unmarshal(remoteStateVector, &vector); err != nil {
			return nil, fmt.Errorf("malformed state vector: %w", err)
		}
	}
	remoteVersion := map[Id]uint64{}
	for originStr, clock := range vector {
		origin, err := ParseId(originStr)
		if err != nil {
			return nil, fmt.Errorf("malformed state vector origin: %w", err)
		}
		remoteVersion[origin] = clock
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	diff := []docOp{}
	for origin, ops := range self.ops {
		seen := remoteVersion[origin]
		for _, op := range ops {
			if seen < op.Clock {
				diff = append(diff, op)
			}
		}
	}
	return json.Marshal(diff)
}

// ApplyUpdate merges a remote update into the document. applying the same
// update twice is a no-op. returns whether any op had an effect.
func (self *Document) ApplyUpdate(update []byte) (bool, error) {
	ops := []docOp{}
	if err := json.Unmarshal(update, &ops); err != nil {
		return false, fmt.Errorf("malformed update: %w", err)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	changed := false
	for _, op := range ops {
		if self.record(op) {
			self.apply(op)
			changed = true
		}
	}
	return changed, nil
}

// record appends the op to the log unless it was already seen
func (self *Document) record(op docOp) bool {
	ops := self.ops[op.Origin]
	for _, existing := range ops {
		if existing.Clock == op.Clock {
			return false
		}
	}
	self.ops[op.Origin] = append(ops, op)
	if self.version[op.Origin] < op.Clock {
		self.version[op.Origin] = op.Clock
	}
	return true
}

func (self *Document) apply(op docOp) {
	switch op.Kind {
	case opSetText:
		if self.textTs.less(op.opTimestamp) {
			self.text = op.Str
			self.textTs = op.opTimestamp
		}
	case opInsertCell:
		cell := self.cell(op.CellId)
		if cell.insertTs.less(op.opTimestamp) {
			cell.insertTs = op.opTimestamp
			cell.pos = op.Pos
			if op.Cell != nil {
				cell.cellType = op.Cell.CellType
				if cell.sourceTs == (opTimestamp{}) {
					cell.source = op.Cell.Source
					cell.sourceTs = op.opTimestamp
				}
			}
		}
	case opDeleteCell:
		// tombstone. deletion always wins over concurrent field edits.
		cell := self.cell(op.CellId)
		cell.deleted = true
	case opSetSource:
		cell := self.cell(op.CellId)
		if cell.sourceTs.less(op.opTimestamp) {
			cell.source = op.Str
			cell.sourceTs = op.opTimestamp
		}
	case opSetExecutionState:
		cell := self.cell(op.CellId)
		if cell.executionStateTs.less(op.opTimestamp) {
			cell.executionState = op.Str
			cell.executionStateTs = op.opTimestamp
		}
	case opSetExecutionCount:
		cell := self.cell(op.CellId)
		if cell.executionCountTs.less(op.opTimestamp) {
			cell.executionCount = op.Int
			cell.executionCountTs = op.opTimestamp
		}
	case opAppendOutput:
		cell := self.cell(op.CellId)
		if op.Output != nil && cell.clearTs.less(op.opTimestamp) {
			cell.outputs = append(cell.outputs, outputEntry{
				ts:     op.opTimestamp,
				output: *op.Output,
			})
			sort.SliceStable(cell.outputs, func(i int, j int) bool {
				return cell.outputs[i].ts.less(cell.outputs[j].ts)
			})
		}
	case opClearOutputs:
		cell := self.cell(op.CellId)
		if cell.clearTs.less(op.opTimestamp) {
			cell.clearTs = op.opTimestamp
		}
		kept := []outputEntry{}
		for _, entry := range cell.outputs {
			if !entry.ts.lessEqual(cell.clearTs) {
				kept = append(kept, entry)
			}
		}
		cell.outputs = kept
	}
}

func (self *Document) cell(cellId string) *cellState {
	cell, ok := self.cells[cellId]
	if !ok {
		cell = &cellState{}
		self.cells[cellId] = cell
	}
	return cell
}

// local mutations. each creates an op stamped with the next local clock,
// applies it, and notifies observers with the encoded update.

// nextClock is a lamport clock: strictly greater than every clock seen from
// any origin. an op issued after observing another op always orders after it.
func (self *Document) nextClock() uint64 {
	clock := uint64(0)
	for _, seen := range self.version {
		if clock < seen {
			clock = seen
		}
	}
	return clock + 1
}

func (self *Document) mutate(build func(ts opTimestamp) docOp) []byte {
	self.stateLock.Lock()
	clock := self.nextClock()
	op := build(opTimestamp{Clock: clock, Origin: self.localOrigin})
	self.record(op)
	self.apply(op)
	update, _ := json.Marshal([]docOp{op})
	self.stateLock.Unlock()

	for _, observer := range self.observers.get() {
		observer(update)
	}
	return update
}

func (self *Document) SetText(text string) []byte {
	return self.mutate(func(ts opTimestamp) docOp {
		return docOp{opTimestamp: ts, Kind: opSetText, Str: text}
	})
}

// InsertCellAt inserts at index in the current visible order
func (self *Document) InsertCellAt(index int, cell Cell) []byte {
	left, right := self.neighborPositions(index)
	return self.mutate(func(ts opTimestamp) docOp {
		c := cell
		return docOp{
			opTimestamp: ts,
			Kind:        opInsertCell,
			CellId:      cell.Id,
			Pos:         positionBetween(left, right),
			Cell:        &c,
		}
	})
}

func (self *Document) DeleteCell(cellId string) []byte {
	return self.mutate(func(ts opTimestamp) docOp {
		return docOp{opTimestamp: ts, Kind: opDeleteCell, CellId: cellId}
	})
}

func (self *Document) SetCellSource(cellId string, source string) []byte {
	return self.mutate(func(ts opTimestamp) docOp {
		return docOp{opTimestamp: ts, Kind: opSetSource, CellId: cellId, Str: source}
	})
}

// SetCellExecutionState is an idempotent upsert. a no-op if the cell no
// longer exists, since it may have been deleted concurrently.
func (self *Document) SetCellExecutionState(cellId string, state string) []byte {
	if !self.HasCell(cellId) {
		return nil
	}
	return self.mutate(func(ts opTimestamp) docOp {
		return docOp{opTimestamp: ts, Kind: opSetExecutionState, CellId: cellId, Str: state}
	})
}

func (self *Document) SetCellExecutionCount(cellId string, count int) []byte {
	if !self.HasCell(cellId) {
		return nil
	}
	return self.mutate(func(ts opTimestamp) docOp {
		return docOp{opTimestamp: ts, Kind: opSetExecutionCount, CellId: cellId, Int: count}
	})
}

func (self *Document) AppendCellOutput(cellId string, output Output) []byte {
	if !self.HasCell(cellId) {
		return nil
	}
	return self.mutate(func(ts opTimestamp) docOp {
		o := output
		return docOp{opTimestamp: ts, Kind: opAppendOutput, CellId: cellId, Output: &o}
	})
}

// ReplaceCellOutputs clears the cell's outputs and appends replacements as
// one update with one observer notification, so a deferred clear never
// broadcasts an empty-intermediate state.
func (self *Document) ReplaceCellOutputs(cellId string, outputs []Output) []byte {
	if !self.HasCell(cellId) {
		return nil
	}

	self.stateLock.Lock()
	ops := []docOp{}
	clock := self.nextClock()
	ops = append(ops, docOp{
		opTimestamp: opTimestamp{Clock: clock, Origin: self.localOrigin},
		Kind:        opClearOutputs,
		CellId:      cellId,
	})
	for _, output := range outputs {
		clock += 1
		o := output
		ops = append(ops, docOp{
			opTimestamp: opTimestamp{Clock: clock, Origin: self.localOrigin},
			Kind:        opAppendOutput,
			CellId:      cellId,
			Output:      &o,
		})
	}
	for _, op := range ops {
		self.record(op)
		self.apply(op)
	}
	update, _ := json.Marshal(ops)
	self.stateLock.Unlock()

	for _, observer := range self.observers.get() {
		observer(update)
	}
	return update
}

func (self *Document) ClearCellOutputs(cellId string) []byte {
	if !self.HasCell(cellId) {
		return nil
	}
	return self.mutate(func(ts opTimestamp) docOp {
		return docOp{opTimestamp: ts, Kind: opClearOutputs, CellId: cellId}
	})
}

// read api

func (self *Document) HasCell(cellId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	cell, ok := self.cells[cellId]
	return ok && !cell.deleted
}

func (self *Document) Cell(cellId string) (Cell, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	cell, ok := self.cells[cellId]
	if !ok || cell.deleted {
		return Cell{}, false
	}
	return self.materialize(cellId, cell), true
}

func (self *Document) Cells() []Cell {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.visibleCells()
}

func (self *Document) Text() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.text
}

func (self *Document) visibleCells() []Cell {
	type orderedCell struct {
		pos    string
		cellId string
		state  *cellState
	}
	ordered := []orderedCell{}
	for cellId, cell := range self.cells {
		if cell.deleted || cell.insertTs == (opTimestamp{}) {
			continue
		}
		ordered = append(ordered, orderedCell{
			pos:    cell.pos,
			cellId: cellId,
			state:  cell,
		})
	}
	sort.Slice(ordered, func(i int, j int) bool {
		if ordered[i].pos != ordered[j].pos {
			return ordered[i].pos < ordered[j].pos
		}
		return ordered[i].cellId < ordered[j].cellId
	})
	cells := make([]Cell, 0, len(ordered))
	for _, entry := range ordered {
		cells = append(cells, self.materialize(entry.cellId, entry.state))
	}
	return cells
}

func (self *Document) materialize(cellId string, state *cellState) Cell {
	// adjacent stream outputs with the same name coalesce into one entry,
	// matching notebook append semantics. entries are ordered by timestamp
	// so every replica coalesces identically.
	outputs := make([]Output, 0, len(state.outputs))
	for _, entry := range state.outputs {
		if 0 < len(outputs) {
			last := &outputs[len(outputs)-1]
			if last.OutputType == "stream" &&
				entry.output.OutputType == "stream" &&
				last.Name == entry.output.Name {
				last.Text += entry.output.Text
				continue
			}
		}
		outputs = append(outputs, entry.output)
	}
	return Cell{
		Id:             cellId,
		CellType:       state.cellType,
		Source:         state.source,
		ExecutionCount: state.executionCount,
		ExecutionState: state.executionState,
		Outputs:        outputs,
	}
}

func (self *Document) neighborPositions(index int) (string, string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	cells := self.visibleCells()
	left := ""
	right := ""
	if 0 < index && index-1 < len(cells) {
		left = self.cells[cells[index-1].Id].pos
	}
	if index < len(cells) {
		right = self.cells[cells[index].Id].pos
	}
	return left, right
}

// notebook source for persistence

type notebookSource struct {
	Cells []Cell `json:"cells"`
}

// Source serializes the document for the backing store. the persisted form
// carries placeholders, never raw stored payloads.
func (self *Document) Source(contentType string) []byte {
	if contentType == "notebook" {
		source, _ := json.Marshal(&notebookSource{Cells: self.Cells()})
		return source
	}
	return []byte(self.Text())
}

// LoadSource initializes the document from persisted content. used once at
// room creation before any client syncs.
func (self *Document) LoadSource(contentType string, content []byte) error {
	if contentType == "notebook" {
		source := &notebookSource{}
		if len(content) > 0 {
			if err := json.Unmarshal(content, source); err != nil {
				return fmt.Errorf("malformed notebook content: %w", err)
			}
		}
		for i, cell := range source.Cells {
			if cell.Id == "" {
				cell.Id = NewId().String()
			}
			self.InsertCellAt(i, Cell{
				Id:       cell.Id,
				CellType: cell.CellType,
				Source:   cell.Source,
			})
			for _, output := range cell.Outputs {
				self.AppendCellOutput(cell.Id, output)
			}
			if cell.ExecutionCount != 0 {
				self.SetCellExecutionCount(cell.Id, cell.ExecutionCount)
			}
		}
		return nil
	}
	self.SetText(string(content))
	return nil
}

// position keys order the cell sequence. a key is a string over bytes
// [0x20, 0x7e]. positionBetween returns a key strictly between left and
// right, where "" means the minimum on the left and the maximum on the right.
const (
	positionMin = byte(0x20)
	positionMax = byte(0x7e)
	positionMid = byte(0x4f)
)

func positionBetween(left string, right string) string {
	pos := []byte{}
	for i := 0; ; i += 1 {
		l := positionMin
		if i < len(left) {
			l = left[i]
		}
		r := positionMax + 1
		if i < len(right) {
			r = right[i]
		}
		if l+1 < r {
			// room for a byte strictly between
			return string(append(pos, l+(r-l)/2))
		}
		// adjacent or equal at this depth. copy and go deeper.
		pos = append(pos, l)
	}
}
