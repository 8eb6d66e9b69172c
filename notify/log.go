package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes each event to an io.Writer, in either a human-readable
// text line or a JSONL record.
//
// Text:  [SUCCESS] run=r1 atom=charge-card meta={"amount":500}
// JSON:  {"runID":"r1","atomName":"charge-card","kind":"SUCCESS","meta":{"amount":500}}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter returns a LogEmitter writing to w. A nil w defaults to
// os.Stdout. jsonMode selects JSONL output over the text format.
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	return &LogEmitter{writer: w, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID    string         `json:"runID"`
		AtomName string         `json:"atomName"`
		Kind     string         `json:"kind"`
		Meta     map[string]any `json:"meta"`
	}{
		RunID:    event.RunID,
		AtomName: event.AtomName,
		Kind:     event.Kind.String(),
		Meta:     event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] run=%s atom=%s", event.Kind, event.RunID, event.AtomName)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes every event in order. Batching here only saves the
// caller round trips; the writes themselves are still one-at-a-time.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: LogEmitter performs no internal buffering. Wrap the
// writer in a bufio.Writer and flush that directly if buffering is needed.
func (l *LogEmitter) Flush(_ context.Context) error { return nil }
