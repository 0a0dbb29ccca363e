package collab

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

// exchange runs the sync handshake in both directions until neither side
// has ops the other is missing
func exchange(t *testing.T, a *Document, b *Document) {
	t.Helper()

	diffForB, err := a.EncodeDiff(b.EncodeStateVector())
	assert.Equal(t, err, nil)
	_, err = b.ApplyUpdate(diffForB)
	assert.Equal(t, err, nil)

	diffForA, err := b.EncodeDiff(a.EncodeStateVector())
	assert.Equal(t, err, nil)
	_, err = a.ApplyUpdate(diffForA)
	assert.Equal(t, err, nil)
}

func TestDocumentConvergence(t *testing.T) {
	a := NewDocument(NewId())
	b := NewDocument(NewId())

	a.InsertCellAt(0, Cell{Id: "c1", CellType: CellTypeCode, Source: "print(1)"})
	a.InsertCellAt(1, Cell{Id: "c2", CellType: CellTypeMarkdown, Source: "# title"})
	exchange(t, a, b)

	// concurrent edits on both replicas
	a.SetCellSource("c1", "print(2)")
	b.InsertCellAt(1, Cell{Id: "c3", CellType: CellTypeCode, Source: "x = 1"})
	b.AppendCellOutput("c1", Output{OutputType: "stream", Name: "stdout", Text: "2\n"})

	exchange(t, a, b)

	assert.Equal(t, string(a.Source("notebook")), string(b.Source("notebook")))

	cells := a.Cells()
	assert.Equal(t, len(cells), 3)
	assert.Equal(t, cells[0].Id, "c1")
	assert.Equal(t, cells[0].Source, "print(2)")
	assert.Equal(t, cells[1].Id, "c3")
	assert.Equal(t, cells[2].Id, "c2")
}

func TestDocumentConvergenceInterleaved(t *testing.T) {
	// same ops, different arrival interleavings, identical result
	a := NewDocument(NewId())
	b := NewDocument(NewId())
	c := NewDocument(NewId())

	updates := [][]byte{}
	updates = append(updates, a.InsertCellAt(0, Cell{Id: "c1", CellType: CellTypeCode}))
	updates = append(updates, a.SetCellSource("c1", "v1"))
	updates = append(updates, a.AppendCellOutput("c1", Output{OutputType: "stream", Name: "stdout", Text: "x"}))
	updates = append(updates, a.AppendCellOutput("c1", Output{OutputType: "stream", Name: "stdout", Text: "y"}))

	// forward order into b
	for _, update := range updates {
		_, err := b.ApplyUpdate(update)
		assert.Equal(t, err, nil)
	}
	// reverse order into c
	for i := len(updates) - 1; 0 <= i; i -= 1 {
		_, err := c.ApplyUpdate(updates[i])
		assert.Equal(t, err, nil)
	}
	// duplicates are no-ops
	for _, update := range updates {
		_, err := c.ApplyUpdate(update)
		assert.Equal(t, err, nil)
	}

	assert.Equal(t, string(b.Source("notebook")), string(c.Source("notebook")))

	cell, ok := b.Cell("c1")
	assert.Equal(t, ok, true)
	assert.Equal(t, cell.Source, "v1")
	// adjacent stream outputs with the same name coalesce
	assert.Equal(t, len(cell.Outputs), 1)
	assert.Equal(t, cell.Outputs[0].Text, "xy")
}

func TestDocumentDeleteWins(t *testing.T) {
	a := NewDocument(NewId())
	b := NewDocument(NewId())

	a.InsertCellAt(0, Cell{Id: "c1", CellType: CellTypeCode})
	exchange(t, a, b)

	// concurrent: a deletes, b edits
	a.DeleteCell("c1")
	b.SetCellSource("c1", "edited")
	exchange(t, a, b)

	assert.Equal(t, a.HasCell("c1"), false)
	assert.Equal(t, b.HasCell("c1"), false)
	assert.Equal(t, len(a.Cells()), 0)
}

func TestDocumentClearWatermark(t *testing.T) {
	a := NewDocument(NewId())
	b := NewDocument(NewId())

	a.InsertCellAt(0, Cell{Id: "c1", CellType: CellTypeCode})
	a.AppendCellOutput("c1", Output{OutputType: "stream", Name: "stdout", Text: "old"})
	exchange(t, a, b)

	// clear on a; b appends after seeing the clear
	a.ClearCellOutputs("c1")
	exchange(t, a, b)
	b.AppendCellOutput("c1", Output{OutputType: "stream", Name: "stdout", Text: "new"})
	exchange(t, a, b)

	cell, ok := a.Cell("c1")
	assert.Equal(t, ok, true)
	assert.Equal(t, len(cell.Outputs), 1)
	assert.Equal(t, cell.Outputs[0].Text, "new")
	assert.Equal(t, string(a.Source("notebook")), string(b.Source("notebook")))
}

func TestDocumentReplaceOutputsSingleUpdate(t *testing.T) {
	doc := NewDocument(NewId())
	doc.InsertCellAt(0, Cell{Id: "c1", CellType: CellTypeCode})
	doc.AppendCellOutput("c1", Output{OutputType: "stream", Name: "stdout", Text: "old"})

	notifications := 0
	unsub := doc.Observe(func(update []byte) {
		notifications += 1
	})
	defer unsub()

	update := doc.ReplaceCellOutputs("c1", []Output{
		{OutputType: "stream", Name: "stdout", Text: "new"},
	})
	assert.NotEqual(t, update, nil)
	assert.Equal(t, notifications, 1)

	cell, _ := doc.Cell("c1")
	assert.Equal(t, len(cell.Outputs), 1)
	assert.Equal(t, cell.Outputs[0].Text, "new")

	// the combined update replays onto another replica as one unit
	other := NewDocument(NewId())
	diff, err := doc.EncodeDiff(other.EncodeStateVector())
	assert.Equal(t, err, nil)
	_, err = other.ApplyUpdate(diff)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(other.Source("notebook")), string(doc.Source("notebook")))
}

func TestDocumentMissingCellMutationsNoop(t *testing.T) {
	doc := NewDocument(NewId())

	assert.Equal(t, doc.SetCellExecutionState("ghost", "busy"), nil)
	assert.Equal(t, doc.SetCellExecutionCount("ghost", 3), nil)
	assert.Equal(t, doc.AppendCellOutput("ghost", Output{OutputType: "stream"}), nil)
	assert.Equal(t, doc.ClearCellOutputs("ghost"), nil)
	assert.Equal(t, len(doc.Cells()), 0)
}

func TestDocumentText(t *testing.T) {
	a := NewDocument(NewId())
	b := NewDocument(NewId())

	a.SetText("hello")
	b.SetText("world")
	exchange(t, a, b)

	// last writer wins, identically on both
	assert.Equal(t, a.Text(), b.Text())
	assert.Equal(t, string(a.Source("file")), a.Text())
}

func TestDocumentLoadSourceRoundTrip(t *testing.T) {
	doc := NewDocument(NewId())
	err := doc.LoadSource("notebook", []byte(`{"cells":[
		{"id":"c1","cell_type":"code","source":"print(1)","execution_count":2,
			"outputs":[{"output_type":"stream","name":"stdout","text":"1\n"}]},
		{"id":"c2","cell_type":"markdown","source":"# title"}
	]}`))
	assert.Equal(t, err, nil)

	cells := doc.Cells()
	assert.Equal(t, len(cells), 2)
	assert.Equal(t, cells[0].Id, "c1")
	assert.Equal(t, cells[0].ExecutionCount, 2)
	assert.Equal(t, len(cells[0].Outputs), 1)
	assert.Equal(t, cells[1].CellType, CellTypeMarkdown)

	reloaded := NewDocument(NewId())
	err = reloaded.LoadSource("notebook", doc.Source("notebook"))
	assert.Equal(t, err, nil)
	assert.Equal(t, string(reloaded.Source("notebook")), string(doc.Source("notebook")))
}

func TestPositionBetween(t *testing.T) {
	// repeated insertion at the front keeps a total order
	positions := []string{}
	right := ""
	for i := 0; i < 64; i += 1 {
		pos := positionBetween("", right)
		if right != "" {
			assert.Equal(t, pos < right, true)
		}
		positions = append(positions, pos)
		right = pos
	}

	// repeated insertion between two adjacent keys
	left := positionBetween("", "")
	right = positionBetween(left, "")
	for i := 0; i < 64; i += 1 {
		mid := positionBetween(left, right)
		assert.Equal(t, left < mid, true)
		assert.Equal(t, mid < right, true)
		left = mid
	}
}

func TestPlaceholderOutput(t *testing.T) {
	locator := OutputLocator("f1", "c1", 0)
	assert.Equal(t, locator, "/api/outputs/f1/c1/0")

	output := NewPlaceholderOutput(locator, "image/png", 100000)
	assert.Equal(t, output.IsPlaceholder(), true)
	assert.Equal(t, output.Locator(), locator)

	plain := Output{OutputType: "stream", Name: "stdout", Text: "x"}
	assert.Equal(t, plain.IsPlaceholder(), false)
}

func TestDocumentManyOriginsConverge(t *testing.T) {
	docs := []*Document{}
	for i := 0; i < 4; i += 1 {
		docs = append(docs, NewDocument(NewId()))
	}
	for i, doc := range docs {
		cellId := fmt.Sprintf("c%d", i)
		doc.InsertCellAt(0, Cell{Id: cellId, CellType: CellTypeCode})
		doc.SetCellSource(cellId, fmt.Sprintf("v%d", i))
	}
	// full pairwise gossip
	for range docs {
		for i := range docs {
			for j := range docs {
				if i != j {
					exchange(t, docs[i], docs[j])
				}
			}
		}
	}
	expected := string(docs[0].Source("notebook"))
	for _, doc := range docs[1:] {
		assert.Equal(t, string(doc.Source("notebook")), expected)
	}
	assert.Equal(t, len(docs[0].Cells()), 4)
}
