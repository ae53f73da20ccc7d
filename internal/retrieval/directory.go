package retrieval

import (
	"fmt"

	"github.com/hyperjump/kioku/internal/models"
)

// Directory is the bidirectional chunk ID <-> index label map, plus the counter
// that allocates fresh labels. The counter is always past every bound or reserved
// label, so a restored directory never reissues one. Not safe for concurrent use.
type Directory struct {
	byChunk  map[string]uint64
	byLabel  map[uint64]string
	reserved map[string]uint64
	next     uint64
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	d := &Directory{}
	d.Reset()
	return d
}

// Reset drops every binding and restarts the counter at zero.
func (d *Directory) Reset() {
	d.byChunk = make(map[string]uint64)
	d.byLabel = make(map[uint64]string)
	d.reserved = make(map[string]uint64)
	d.next = 0
}

// Lookup returns the label bound to chunkID.
func (d *Directory) Lookup(chunkID string) (uint64, bool) {
	l, ok := d.byChunk[chunkID]
	return l, ok
}

// ChunkID returns the chunk bound to label.
func (d *Directory) ChunkID(label uint64) (string, bool) {
	id, ok := d.byLabel[label]
	return id, ok
}

// Next returns the label the next allocation would use without reserving it.
func (d *Directory) Next() uint64 {
	return d.next
}

// Reserve records a label the store holds for a chunk that is kept out of the
// index, and moves the counter past it. The chunk stays unbound.
func (d *Directory) Reserve(chunkID string, label uint64) {
	d.reserved[chunkID] = label
	if label >= d.next {
		d.next = label + 1
	}
}

// ReserveAll turns every binding into a reservation.
func (d *Directory) ReserveAll() {
	for id, l := range d.byChunk {
		d.reserved[id] = l
	}
	d.byChunk = make(map[string]uint64)
	d.byLabel = make(map[uint64]string)
}

// Reserved returns the label reserved for chunkID.
func (d *Directory) Reserved(chunkID string) (uint64, bool) {
	l, ok := d.reserved[chunkID]
	return l, ok
}

// Len returns the number of bindings.
func (d *Directory) Len() int {
	return len(d.byChunk)
}

// Bind records chunkID <-> label. Rebinding the same pair is a no-op; binding either
// side to something else is an error.
func (d *Directory) Bind(chunkID string, label uint64) error {
	if l, ok := d.byChunk[chunkID]; ok {
		if l == label {
			return nil
		}
		return fmt.Errorf("chunk %s already bound to label %d", chunkID, l)
	}
	if id, ok := d.byLabel[label]; ok {
		return fmt.Errorf("label %d already bound to chunk %s", label, id)
	}
	if l, ok := d.reserved[chunkID]; ok && l != label {
		return fmt.Errorf("chunk %s holds reserved label %d", chunkID, l)
	}
	delete(d.reserved, chunkID)
	d.byChunk[chunkID] = label
	d.byLabel[label] = chunkID
	if label >= d.next {
		d.next = label + 1
	}
	return nil
}

// Restore replaces the directory contents with bindings, as read from the record store.
func (d *Directory) Restore(bindings []models.LabelBinding) error {
	d.Reset()
	for _, b := range bindings {
		if err := d.Bind(b.ChunkID, b.Label); err != nil {
			return fmt.Errorf("failed to restore label directory: %w", err)
		}
	}
	return nil
}
