package descriptor

import "math/bits"

// Table is a data structure mapping generational 64 bit descriptors to
// objects.
//
// The low 32 bits of a descriptor hold the index of the slot where the object
// lives, the high 32 bits hold the generation of that slot. Indexes are
// allocated lowest first from a bitmap, and the generation of a slot is bumped
// every time its object is deleted. This means that a descriptor retained
// after its object was deleted never resolves to the object that later reuses
// the same index, it just stops being found.
//
// The data structure optimizes for memory density and lookup performance,
// trading off compute at insertion time: objects are accessed a lot more often
// than they are inserted.
//
// Table is not safe for concurrent use, callers must synchronize access.
type Table[Descriptor ~uint64, Object any] struct {
	masks []uint64
	gens  []uint32
	table []Object
}

// Make constructs a descriptor from an index and a generation.
func Make[Descriptor ~uint64](index, generation uint32) Descriptor {
	return Descriptor(uint64(generation)<<32 | uint64(index))
}

// Split returns the index and generation that desc is made of.
func Split[Descriptor ~uint64](desc Descriptor) (index, generation uint32) {
	return uint32(desc), uint32(desc >> 32)
}

// Len returns the number of objects stored in the table.
func (t *Table[Descriptor, Object]) Len() (n int) {
	for _, mask := range t.masks {
		n += bits.OnesCount64(mask)
	}
	return n
}

// Grow ensures that t has enough room for n objects, potentially reallocating
// the internal buffers if their capacity was too small to hold this many
// objects.
func (t *Table[Descriptor, Object]) Grow(n int) {
	// Round up to a multiple of 64 since this is the smallest increment due to
	// using 64 bits masks.
	n = (n + 63) / 64

	if n > len(t.masks) {
		masks := make([]uint64, n)
		copy(masks, t.masks)

		gens := make([]uint32, n*64)
		copy(gens, t.gens)

		table := make([]Object, n*64)
		copy(table, t.table)

		t.masks = masks
		t.gens = gens
		t.table = table
	}
}

// Insert inserts the given object to the table, returning the descriptor that
// it is mapped to.
//
// The method does not perform deduplication, it is possible for the same
// object to be inserted multiple times, each insertion returns a different
// descriptor.
func (t *Table[Descriptor, Object]) Insert(object Object) Descriptor {
	offset := 0
	for {
		for index, mask := range t.masks[offset:] {
			if ^mask != 0 { // not full?
				shift := bits.TrailingZeros64(^mask)
				index += offset
				i := index*64 + shift
				t.table[i] = object
				t.masks[index] = mask | uint64(1<<shift)
				return Make[Descriptor](uint32(i), t.gens[i])
			}
		}

		offset = len(t.masks)
		n := 2 * len(t.table)
		if n == 0 {
			n = 64
		}

		t.Grow(n)
	}
}

func (t *Table[Descriptor, Object]) slot(desc Descriptor) (int, bool) {
	index, gen := Split(desc)
	if i := int(index); i < len(t.table) {
		if (t.masks[i/64]&(1<<(i%64))) != 0 && t.gens[i] == gen {
			return i, true
		}
	}
	return -1, false
}

// Access returns a pointer to the object associated with the given
// descriptor, which may be nil if it was not found in the table.
func (t *Table[Descriptor, Object]) Access(desc Descriptor) *Object {
	if i, ok := t.slot(desc); ok {
		return &t.table[i]
	}
	return nil
}

// Lookup returns the object associated with the given descriptor.
func (t *Table[Descriptor, Object]) Lookup(desc Descriptor) (object Object, found bool) {
	ptr := t.Access(desc)
	if ptr != nil {
		object, found = *ptr, true
	}
	return
}

// Delete deletes the object stored at the given descriptor from the table,
// returning it. The boolean is false if desc was not found, which includes
// descriptors of a previous generation of the slot.
func (t *Table[Descriptor, Object]) Delete(desc Descriptor) (object Object, deleted bool) {
	i, ok := t.slot(desc)
	if !ok {
		return object, false
	}
	var zero Object
	object, t.table[i] = t.table[i], zero
	t.masks[i/64] &^= 1 << (i % 64)
	t.gens[i]++
	return object, true
}

// Range calls f for each object and its associated descriptor in the table.
// The function f might return false to interupt the iteration.
func (t *Table[Descriptor, Object]) Range(f func(Descriptor, Object) bool) {
	for i, mask := range t.masks {
		for mask != 0 {
			j := bits.TrailingZeros64(mask)
			mask &^= 1 << j
			index := i*64 + j
			if !f(Make[Descriptor](uint32(index), t.gens[index]), t.table[index]) {
				return
			}
		}
	}
}

// Reset clears the content of the table. Descriptors obtained before the
// reset are not found anymore.
func (t *Table[Descriptor, Object]) Reset() {
	var zero Object
	for i, mask := range t.masks {
		for mask != 0 {
			j := bits.TrailingZeros64(mask)
			mask &^= 1 << j
			t.gens[i*64+j]++
			t.table[i*64+j] = zero
		}
		t.masks[i] = 0
	}
}
