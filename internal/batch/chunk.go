package batch

import "fmt"

// DefaultChunkSize is the storage backend's batch-size ceiling.
const DefaultChunkSize = 30

// DefaultMaxInFlight bounds how many chunks of one FetchMany call run at once.
const DefaultMaxInFlight = 4

// SplitChunks splits items into consecutive chunks of at most size items.
func SplitChunks[T any](items []T, size int) ([][]T, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be greater than zero")
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks, nil
}
