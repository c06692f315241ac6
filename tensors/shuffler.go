package tensors

import (
	"github.com/tensorio/tensorio/backends"
)

// Shuffler realizes an explicit row permutation/gather: it sequences a
// single-entry Batcher across an externally supplied sequence of source
// indices, typically to reshuffle minibatch entries between epochs.
type Shuffler struct {
	batcher *Batcher
}

// NewShuffler builds a Shuffler gathering entries of in into out. It wraps a
// Batcher of size 1, so the same shape and backend requirements apply.
func NewShuffler(in, out *Dense) (*Shuffler, error) {
	batcher, err := NewBatcher(in, out, 1)
	if err != nil {
		return nil, err
	}
	return &Shuffler{batcher: batcher}, nil
}

// Input tensor of the shuffler.
func (s *Shuffler) Input() *Dense { return s.batcher.Input() }

// Output tensor of the shuffler.
func (s *Shuffler) Output() *Dense { return s.batcher.Output() }

// Invoke copies input entry indices[k] to output position k, in sequence
// order, for every position of indices, and returns the output tensor. A nil
// handle uses the stream captured at construction.
//
// Index values are not validated up front: an out-of-range index aborts with
// ErrIndexOutOfRange from the underlying Batcher, leaving the rows already
// written in place.
func (s *Shuffler) Invoke(handle backends.Handle, indices []int) (*Dense, error) {
	for k, srcIndex := range indices {
		if _, err := s.batcher.Invoke(handle, srcIndex, k); err != nil {
			return nil, err
		}
	}
	return s.batcher.Output(), nil
}
