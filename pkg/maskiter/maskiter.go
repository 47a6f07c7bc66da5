// Package maskiter splits a bitmask into the single-bit values it contains,
// highest bit first.
package maskiter

import "iter"

// Unsigned is the set of mask widths the iterator supports.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32
}

// Iterator walks the set bits of a mask from the most significant down.
// It is single use: once Next reports false it stays exhausted.
type Iterator[T Unsigned] struct {
	value  T
	cursor T
}

// New returns an iterator over the set bits of value.
func New[T Unsigned](value T) *Iterator[T] {
	var zero T
	all := ^zero
	return &Iterator[T]{
		value:  value,
		cursor: all &^ (all >> 1),
	}
}

// Next returns the next set bit of the mask. The second result is false
// when no bits remain.
func (it *Iterator[T]) Next() (T, bool) {
	for it.cursor != 0 {
		bit := it.value & it.cursor
		it.cursor >>= 1
		if bit != 0 {
			return bit, true
		}
	}
	return 0, false
}

// Bits returns a sequence over the set bits of value for use with range.
func Bits[T Unsigned](value T) iter.Seq[T] {
	return func(yield func(T) bool) {
		it := New(value)
		for {
			bit, ok := it.Next()
			if !ok || !yield(bit) {
				return
			}
		}
	}
}

// Collect returns the set bits of value as a slice.
func Collect[T Unsigned](value T) []T {
	var out []T
	for bit := range Bits(value) {
		out = append(out, bit)
	}
	return out
}
