package streamretry

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/samber/ro"
)

// SSEEvent is one Server-Sent Event written to the client.
type SSEEvent struct {
	Event string
	Data  []byte
}

// Bytes returns the SSE wire format representation.
func (e SSEEvent) Bytes() []byte {
	var buf bytes.Buffer
	if e.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", e.Event)
	}
	for _, line := range bytes.Split(e.Data, []byte("\n")) {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteString("\n")
	return buf.Bytes()
}

// ErrNotFlushable is returned when the ResponseWriter doesn't support
// flushing, which every streaming client connection must.
var ErrNotFlushable = errors.New("streamretry: ResponseWriter does not implement http.Flusher")

// SetSSEHeaders sets the headers required for an SSE response.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Connection", "keep-alive")
}

// ForwardSSE drains events onto w, flushing after every event, until
// the observable completes or errors.
func ForwardSSE(events ro.Observable[SSEEvent], w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrNotFlushable
	}

	errCh := make(chan error, 1)

	events.Subscribe(ro.NewObserver(
		func(event SSEEvent) {
			if _, err := w.Write(event.Bytes()); err != nil {
				errCh <- err
				return
			}
			flusher.Flush()
		},
		func(err error) { errCh <- err },
		func() { close(errCh) },
	))

	return <-errCh
}

// WriteSSEEvent writes and flushes a single event, for the terminal
// error event the retry loop emits after exhausting its budget.
func WriteSSEEvent(w http.ResponseWriter, event SSEEvent) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrNotFlushable
	}
	if _, err := w.Write(event.Bytes()); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
