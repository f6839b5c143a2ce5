// Package batch partitions queued operations into bounded dispatch groups.
package batch

import (
	"iter"

	"github.com/kimhsiao/tasksync/internal/errors"
)

// DefaultSize is the number of queue items sent to the remote per dispatch.
const DefaultSize = 50

// ErrInvalidBatchSize is returned for a batch size below 1.
var ErrInvalidBatchSize = errors.New(errors.ErrConfigInvalid, "batch size must be positive")

// Split partitions items into ceil(len(items)/size) contiguous groups,
// preserving order. Only the last group may be shorter than size.
func Split[T any](items []T, size int) ([][]T, error) {
	if size <= 0 {
		return nil, ErrInvalidBatchSize
	}
	if len(items) == 0 {
		return nil, nil
	}

	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end:end])
	}
	return batches, nil
}

// Collect drains a fallible sequence into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
