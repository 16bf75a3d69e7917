// Package crdt adapts the deep/v3 text CRDT to the gateway's replica.
//
// The replicated value is a crdt.Text: runs of bytes whose characters carry
// hybrid logical clock ids and name the character they follow. The library
// merges runs, orders siblings and renders the text. On top of it this
// package validates frames, parks runs whose anchor has not arrived yet and
// rejects conflicting versions of an id or text authored under a foreign
// node id.
package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/brunoga/deep/v3"
	dcrdt "github.com/brunoga/deep/v3/crdt"
	"github.com/brunoga/deep/v3/crdt/hlc"
)

// serverNode names the replica's own clock. The gateway never authors text
// under it.
const serverNode = "sync"

// char is one byte of a run with its implicit id.
type char struct {
	id      hlc.HLC
	prev    hlc.HLC
	b       byte
	deleted bool
}

// conflicts reports whether two versions of the same id disagree on
// anything but the tombstone flag. Bytes of a tombstone never render, so
// they only matter while both versions are visible.
func (c char) conflicts(other char) bool {
	return c.prev != other.prev || (c.b != other.b && !c.deleted && !other.deleted)
}

// Doc is a replicated text. It is not safe for concurrent use; the owner
// serializes access.
type Doc struct {
	state *dcrdt.CRDT[dcrdt.Text]
	// character index of state.Value
	chars map[hlc.HLC]char
	// characters whose predecessor has not arrived yet
	pending map[hlc.HLC]char
}

func NewDoc() *Doc {
	return &Doc{
		state:   dcrdt.NewCRDT(dcrdt.Text{}, serverNode),
		chars:   map[hlc.HLC]char{},
		pending: map[hlc.HLC]char{},
	}
}

type stateBlob struct {
	Doc     *dcrdt.CRDT[dcrdt.Text] `json:"doc"`
	Pending dcrdt.Text              `json:"pending,omitempty"`
}

// Decode rebuilds a document from a state blob produced by Encode. Stored
// runs go through the same validation as client frames.
func Decode(data []byte) (*Doc, error) {
	doc := NewDoc()
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	blob := stateBlob{Doc: dcrdt.NewCRDT(dcrdt.Text{}, serverNode)}
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if blob.Doc == nil {
		return doc, nil
	}
	runs := append(slices.Clone(blob.Doc.Value), blob.Pending...)
	if _, err := doc.Apply(Update{Runs: runs, Timestamp: blob.Doc.Clock.Latest}); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return doc, nil
}

// Apply merges an update and reports whether the state changed. Applying the
// same update twice, or updates in any order, yields the same document. An
// update that carries a different version of a known id is rejected whole
// with ErrConflict and leaves the document untouched.
func (d *Doc) Apply(update Update) (bool, error) {
	if err := update.Validate(); err != nil {
		return false, err
	}
	incoming := make(map[hlc.HLC]char)
	for _, c := range explode(update.Runs) {
		if prior, ok := incoming[c.id]; ok {
			if prior.conflicts(c) {
				return false, fmt.Errorf("%w: %s", ErrConflict, c.id)
			}
			c.deleted = c.deleted || prior.deleted
		}
		if known, ok := d.lookup(c.id); ok && known.conflicts(c) {
			return false, fmt.Errorf("%w: %s", ErrConflict, c.id)
		}
		incoming[c.id] = c
	}

	changed := false
	var tombstoned []char
	for id, c := range incoming {
		if known, ok := d.chars[id]; ok {
			if c.deleted && !known.deleted {
				known.deleted = true
				tombstoned = append(tombstoned, known)
			}
			continue
		}
		if parked, ok := d.pending[id]; ok {
			if c.deleted && !parked.deleted {
				parked.deleted = true
				d.pending[id] = parked
				changed = true
			}
			continue
		}
		d.pending[id] = c
		changed = true
	}

	ready := append(tombstoned, d.release()...)
	if len(ready) > 0 {
		d.merge(ready, update.Timestamp)
		changed = true
	}
	return changed, nil
}

// Merge folds another replica's full state into d.
func (d *Doc) Merge(other *Doc) (bool, error) {
	return d.Apply(other.Update())
}

// CheckAuthor rejects an update that introduces characters under a node id
// the sender does not own. Characters the document already holds pass for
// any sender, so clients may echo text they received and tombstone it.
func (d *Doc) CheckAuthor(update Update, owns func(node string) bool) error {
	for _, run := range update.Runs {
		if owns(run.ID.NodeID) {
			continue
		}
		for _, c := range explode(dcrdt.Text{run}) {
			if _, ok := d.lookup(c.id); !ok {
				return fmt.Errorf("%w: %s", ErrForeignRun, run.ID.NodeID)
			}
		}
	}
	return nil
}

func (d *Doc) lookup(id hlc.HLC) (char, bool) {
	if c, ok := d.chars[id]; ok {
		return c, true
	}
	c, ok := d.pending[id]
	return c, ok
}

// release takes every pending character whose predecessor is now placed, or
// becomes placed through another released character.
func (d *Doc) release() []char {
	waiting := make(map[hlc.HLC][]hlc.HLC)
	var queue []hlc.HLC
	for id, c := range d.pending {
		if _, placed := d.chars[c.prev]; placed || isRoot(c.prev) {
			queue = append(queue, id)
			continue
		}
		waiting[c.prev] = append(waiting[c.prev], id)
	}
	ready := make([]char, 0, len(queue))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ready = append(ready, d.pending[id])
		delete(d.pending, id)
		queue = append(queue, waiting[id]...)
		delete(waiting, id)
	}
	return ready
}

// merge hands placed characters to the library as a text delta.
func (d *Doc) merge(chars []char, ts hlc.HLC) {
	runs := compact(chars)
	for _, run := range runs {
		last := run.ID
		last.Logical += int32(len(run.Value) - 1)
		if last.After(ts) {
			ts = last
		}
	}
	patch := deep.Diff(d.state.Value, runs)
	d.state.ApplyDelta(dcrdt.Delta[dcrdt.Text]{Patch: patch, Timestamp: ts})
	d.state.Value = splitAnchors(d.state.Value)
	d.reindex()
}

// splitAnchors cuts runs after every character another run follows. The
// library renders a run whole before visiting the children of its
// characters, so a character with children must end its run for the text to
// come out in character order. Merging joins contiguous runs again, so the
// pass runs after every merge.
func splitAnchors(runs dcrdt.Text) dcrdt.Text {
	anchors := make(map[hlc.HLC]bool, len(runs))
	for _, run := range runs {
		if !isRoot(run.Prev) {
			anchors[run.Prev] = true
		}
	}
	out := make(dcrdt.Text, 0, len(runs))
	for _, run := range runs {
		start := 0
		for i := 0; i < len(run.Value)-1; i++ {
			id := run.ID
			id.Logical += int32(i)
			if anchors[id] {
				out = append(out, cut(run, start, i+1))
				start = i + 1
			}
		}
		out = append(out, cut(run, start, len(run.Value)))
	}
	return out
}

func cut(run dcrdt.TextRun, from, to int) dcrdt.TextRun {
	id := run.ID
	id.Logical += int32(from)
	prev := run.Prev
	if from > 0 {
		prev = run.ID
		prev.Logical += int32(from - 1)
	}
	return dcrdt.TextRun{ID: id, Value: run.Value[from:to], Prev: prev, Deleted: run.Deleted}
}

func (d *Doc) reindex() {
	d.chars = make(map[hlc.HLC]char, len(d.chars))
	for _, c := range explode(d.state.Value) {
		d.chars[c.id] = c
	}
}

// Text is the rendered text without tombstones.
func (d *Doc) Text() string {
	return d.state.Value.String()
}

// Update returns the full state, pending characters included, as a single
// update.
func (d *Doc) Update() Update {
	runs := slices.Clone(d.state.Value)
	runs = append(runs, compact(d.pendingChars())...)
	return Update{Runs: runs, Timestamp: d.state.Clock.Latest}
}

// Encode serializes the state as the library's CRDT document. With gc set,
// tombstoned runs keep their ids, anchors and length but lose their
// content.
func (d *Doc) Encode(gc bool) []byte {
	value := d.state.Value
	pending := compact(d.pendingChars())
	if gc {
		value = scrub(value)
		pending = scrub(pending)
	}
	state := dcrdt.NewCRDT(value, serverNode)
	state.Clock.Latest = d.state.Clock.Latest
	payload, _ := json.Marshal(stateBlob{Doc: state, Pending: pending})
	return payload
}

func scrub(runs dcrdt.Text) dcrdt.Text {
	out := slices.Clone(runs)
	for i := range out {
		if out[i].Deleted {
			out[i].Value = strings.Repeat("_", len(out[i].Value))
		}
	}
	return out
}

func (d *Doc) pendingChars() []char {
	out := make([]char, 0, len(d.pending))
	for _, c := range d.pending {
		out = append(out, c)
	}
	return out
}

// InsertAt inserts value at a byte offset of the visible text, authored by
// node, applies it locally and returns the update to broadcast.
func (d *Doc) InsertAt(node string, pos int, value string) Update {
	pos = max(0, min(pos, len(d.Text())))
	clock := hlc.NewClock(node)
	clock.Update(d.state.Clock.Latest)
	next := slices.Clone(d.state.Value).Insert(pos, value, clock)
	return d.commit(next, clock.Latest)
}

// DeleteAt tombstones count visible bytes starting at pos.
func (d *Doc) DeleteAt(pos, count int) Update {
	next := slices.Clone(d.state.Value).Delete(pos, count)
	return d.commit(next, d.state.Clock.Latest)
}

// commit applies the characters next adds or tombstones relative to d and
// returns them as an update.
func (d *Doc) commit(next dcrdt.Text, ts hlc.HLC) Update {
	var delta []char
	for _, c := range explode(next) {
		known, ok := d.chars[c.id]
		if !ok || c.deleted != known.deleted {
			delta = append(delta, c)
		}
	}
	update := Update{Runs: compact(delta), Timestamp: ts}
	if len(update.Runs) > 0 {
		_, _ = d.Apply(update)
	}
	return update
}

// Stats summarizes the document for logs and metrics.
type Stats struct {
	Runs       int
	Chars      int
	Tombstones int
	Pending    int
}

func (d *Doc) Stats() Stats {
	stats := Stats{Runs: len(d.state.Value), Chars: len(d.chars), Pending: len(d.pending)}
	for _, c := range d.chars {
		if c.deleted {
			stats.Tombstones++
		}
	}
	return stats
}

func explode(runs dcrdt.Text) []char {
	var out []char
	for _, run := range runs {
		prev := run.Prev
		for i := 0; i < len(run.Value); i++ {
			id := run.ID
			id.Logical += int32(i)
			out = append(out, char{id: id, prev: prev, b: run.Value[i], deleted: run.Deleted})
			prev = id
		}
	}
	return out
}

// compact packs characters back into runs. A character extends the current
// run when it is the next id of the same clock reading, follows the previous
// character and shares its tombstone flag.
func compact(chars []char) dcrdt.Text {
	sorted := slices.Clone(chars)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].id, sorted[j].id
		if a.NodeID != b.NodeID {
			return a.NodeID < b.NodeID
		}
		if a.WallTime != b.WallTime {
			return a.WallTime < b.WallTime
		}
		return a.Logical < b.Logical
	})

	var runs dcrdt.Text
	var value []byte
	var last hlc.HLC
	flush := func() {
		if len(value) > 0 {
			runs[len(runs)-1].Value = string(value)
			value = value[:0]
		}
	}
	for _, c := range sorted {
		if len(value) > 0 {
			next := last
			next.Logical++
			if c.id == next && c.prev == last && c.deleted == runs[len(runs)-1].Deleted {
				value = append(value, c.b)
				last = c.id
				continue
			}
		}
		flush()
		runs = append(runs, dcrdt.TextRun{ID: c.id, Prev: c.prev, Deleted: c.deleted})
		value = append(value, c.b)
		last = c.id
	}
	flush()
	return runs
}
