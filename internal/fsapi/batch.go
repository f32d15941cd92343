package fsapi

import "github.com/redblackgraph/fscrawl/internal/types"

// MaxPersonsPerRequest is the server-side ceiling on the pids parameter
// of the persons resource.
const MaxPersonsPerRequest = 200

// Partition splits pids into order-preserving chunks of at most size.
// size <= 0 or size > MaxPersonsPerRequest falls back to the ceiling.
func Partition(pids []types.PID, size int) [][]types.PID {
	if size <= 0 || size > MaxPersonsPerRequest {
		size = MaxPersonsPerRequest
	}
	var chunks [][]types.PID
	for len(pids) > size {
		chunks = append(chunks, pids[:size:size])
		pids = pids[size:]
	}
	if len(pids) > 0 {
		chunks = append(chunks, pids)
	}
	return chunks
}
