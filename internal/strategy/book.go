package strategy

import (
	"github.com/sawpanic/mcalib/internal/instrument"
	"github.com/sawpanic/mcalib/internal/tensor"
)

// Book is an insertion-ordered set of instruments keyed by instrument.Key.
// The order fixes the instrument axis of every tensor the strategy produces.
type Book struct {
	keys  []instrument.Key
	items map[instrument.Key]*instrument.Instrument
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{items: make(map[instrument.Key]*instrument.Instrument)}
}

// Put adds inst, or replaces the instrument under the same key in place.
func (b *Book) Put(inst *instrument.Instrument) {
	k := inst.Key()
	if _, ok := b.items[k]; !ok {
		b.keys = append(b.keys, k)
	}
	b.items[k] = inst
}

// Get looks an instrument up by key.
func (b *Book) Get(k instrument.Key) (*instrument.Instrument, bool) {
	inst, ok := b.items[k]
	return inst, ok
}

// Index returns the position of k on the instrument axis.
func (b *Book) Index(k instrument.Key) (int, bool) {
	for i, key := range b.keys {
		if key == k {
			return i, true
		}
	}
	return 0, false
}

func (b *Book) Len() int { return len(b.keys) }

// Keys returns the keys in insertion order.
func (b *Book) Keys() []instrument.Key {
	out := make([]instrument.Key, len(b.keys))
	copy(out, b.keys)
	return out
}

// Instruments returns the instruments in insertion order.
func (b *Book) Instruments() []*instrument.Instrument {
	out := make([]*instrument.Instrument, len(b.keys))
	for i, k := range b.keys {
		out[i] = b.items[k]
	}
	return out
}

func (b *Book) Leaves() map[string]*tensor.Tensor { return nil }

// Children exposes the instruments under their key strings.
func (b *Book) Children() map[string]any {
	out := make(map[string]any, len(b.keys))
	for _, k := range b.keys {
		out[k.String()] = b.items[k]
	}
	return out
}
