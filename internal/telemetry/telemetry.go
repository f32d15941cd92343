// Package telemetry writes the run's metrics stream: one JSON object per
// line, one line per event.
package telemetry

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event names emitted over a run's lifetime.
const (
	EventRunStart              = "run_start"
	EventPersonBatch           = "person_batch"
	EventIterationComplete     = "iteration_complete"
	EventRelationshipsComplete = "relationships_complete"
	EventCheckpoint            = "checkpoint"
	EventRunComplete           = "run_complete"
)

// Emitter serializes events to a single writer. Safe for concurrent use.
type Emitter struct {
	mu  sync.Mutex
	enc *json.Encoder

	now func() time.Time // test seam
}

// New returns an emitter writing JSON lines to w.
func New(w io.Writer) *Emitter {
	return &Emitter{enc: json.NewEncoder(w), now: time.Now}
}

// Nop returns an emitter that discards everything.
func Nop() *Emitter {
	return New(io.Discard)
}

// Emit writes one event line. iteration < 0 omits the iteration field.
// Encoding failures are swallowed: the metrics stream is advisory and must
// never fail the crawl.
func (e *Emitter) Emit(event string, iteration int, fields map[string]any) {
	line := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		line[k] = v
	}
	line["event"] = event
	line["ts"] = e.now().UTC().Format(time.RFC3339)
	if iteration >= 0 {
		line["iteration"] = iteration
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(line)
}
