// Package streamretry implements the stream retry engine: it wraps
// one upstream SSE attempt, classifies how the attempt terminated, and
// when the termination isn't clean, transparently issues a
// continuation request and keeps stitching output together until the
// client sees a complete response or the retry budget is exhausted.
package streamretry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omarluq/gemini-relay/internal/keyregistry"
	"github.com/omarluq/gemini-relay/internal/upstream"
)

// Termination classifies how one upstream stream attempt ended.
type Termination int

const (
	// Clean: a STOP/MAX_TOKENS finish reason on formal text ending in
	// final punctuation. The only non-retried outcome.
	Clean Termination = iota
	FinishDuringThought
	Block
	FinishIncomplete
	FinishAbnormal
	Drop
	FetchError
)

func (t Termination) String() string {
	switch t {
	case Clean:
		return "CLEAN"
	case FinishDuringThought:
		return "FINISH_DURING_THOUGHT"
	case Block:
		return "BLOCK"
	case FinishIncomplete:
		return "FINISH_INCOMPLETE"
	case FinishAbnormal:
		return "FINISH_ABNORMAL"
	case Drop:
		return "DROP"
	default:
		return "FETCH_ERROR"
	}
}

// finalPunctuation is the set of characters that may legally close a
// formal response for CLEAN classification.
const finalPunctuation = ".?!。？！}])\"'”’`\n"

func endsInFinalPunctuation(s string) bool {
	if s == "" {
		return false
	}
	r := []rune(s)
	return strings.ContainsRune(finalPunctuation, r[len(r)-1])
}

// Config configures an Engine.
type Config struct {
	MaxRetries           int
	RetryDelay           time.Duration
	SwallowThoughtsAfter bool
}

// Engine drives one client-facing request across as many upstream
// attempts as needed to produce (or give up on) a clean response.
type Engine struct {
	gen upstream.Generator
	cfg Config
}

// New constructs an Engine over gen.
func New(gen upstream.Generator, cfg Config) *Engine {
	return &Engine{gen: gen, cfg: cfg}
}

// attemptResult summarizes one upstream attempt's outcome.
type attemptResult struct {
	term           Termination
	accumulated    string
	blockReason    string
	err            error
}

// Run drives the full retry loop for one client request against
// model, using cred for every attempt (key rotation across attempts
// belongs to the caller's retry driver, not this engine). It streams
// forwarded SSE bytes directly onto w as they're produced.
func (e *Engine) Run(ctx context.Context, w http.ResponseWriter, model string, req *upstream.Request, cred keyregistry.Credential) error {
	SetSSEHeaders(w.Header())

	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrNotFlushable
	}

	current := req
	var consecutiveRetries int
	var swallowModeActive bool
	var everEmittedFormalText bool

	for {
		res := e.runOneAttempt(ctx, w, flusher, model, current, cred, &swallowModeActive, &everEmittedFormalText)

		if res.term == Clean && !endsInFinalPunctuation(res.accumulated) {
			res.term = FinishIncomplete
		}

		if res.term == Clean {
			return nil
		}

		log.Warn().Str("model", model).Str("termination", res.term.String()).Int("retry", consecutiveRetries).Msg("streamretry: non-clean termination")

		consecutiveRetries++
		if consecutiveRetries >= e.cfg.MaxRetries {
			e.emitFinalError(w, res.term, len(res.accumulated))
			return nil
		}

		if e.cfg.SwallowThoughtsAfter && everEmittedFormalText {
			swallowModeActive = true
		}

		current = spliceContinuation(current, res.accumulated)

		if e.cfg.RetryDelay > 0 {
			select {
			case <-time.After(e.cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// runOneAttempt issues one upstream call, forwards every acceptable
// line to the client as it arrives, and classifies the termination.
func (e *Engine) runOneAttempt(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, model string, req *upstream.Request, cred keyregistry.Credential, swallowModeActive, everEmittedFormalText *bool) attemptResult {
	stream, err := e.gen.Generate(ctx, model, req, cred)
	if err != nil {
		return attemptResult{term: FetchError, err: err}
	}
	defer stream.Body.Close()

	if stream.StatusCode < 200 || stream.StatusCode >= 300 {
		return attemptResult{term: FetchError, err: errNonOKStatus(stream.StatusCode)}
	}

	var accumulated bytes.Buffer
	var term = Drop
	var blockReason string
	sawFinish := false

	scanErr := upstream.ScanSSE(ctx, stream.Body, func(line upstream.SSELine) {
		if line.HasBlock {
			term = Block
			blockReason = line.BlockReason
			return
		}

		if line.Thought {
			if *swallowModeActive {
				if line.HasFinish {
					term = FinishDuringThought
				}
				return
			}
			writeLine(w, flusher, line.Text)
			if line.HasFinish {
				term = FinishDuringThought
			}
			return
		}

		if *swallowModeActive {
			*swallowModeActive = false
		}

		if line.Text != "" {
			accumulated.WriteString(line.Text)
			writeLine(w, flusher, line.Text)
			*everEmittedFormalText = true
		}

		if line.HasFinish {
			sawFinish = true
			switch line.FinishReason {
			case "STOP", "MAX_TOKENS":
				term = Clean
			default:
				term = FinishAbnormal
			}
		}
	})

	if scanErr != nil {
		return attemptResult{term: FetchError, accumulated: accumulated.String(), err: scanErr}
	}

	if term == Block {
		return attemptResult{term: Block, accumulated: accumulated.String(), blockReason: blockReason}
	}
	if !sawFinish && term != FinishDuringThought {
		return attemptResult{term: Drop, accumulated: accumulated.String()}
	}
	if term == Clean && !endsInFinalPunctuation(accumulated.String()) {
		term = FinishIncomplete
	}

	return attemptResult{term: term, accumulated: accumulated.String()}
}

func writeLine(w http.ResponseWriter, flusher http.Flusher, text string) {
	if text == "" {
		return
	}
	event := SSEEvent{Event: "message_delta", Data: []byte(text)}
	_, _ = w.Write(event.Bytes())
	flusher.Flush()
}

// spliceContinuation builds the continuation request: a deep copy of
// req with the two synthetic turns inserted immediately after the
// last user-role turn (or appended at the tail if none exists).
func spliceContinuation(req *upstream.Request, accumulated string) *upstream.Request {
	out := req.Clone()

	modelTurn := upstream.Turn{Role: "model", Parts: []upstream.Part{{Text: accumulated}}}
	continueTurn := upstream.Turn{
		Role: "user",
		Parts: []upstream.Part{{
			Text: "Continue exactly where you left off without any preamble or repetition.",
		}},
	}

	lastUser := -1
	for i, t := range out.Contents {
		if t.Role == "user" {
			lastUser = i
		}
	}

	if lastUser == -1 {
		out.Contents = append(out.Contents, modelTurn, continueTurn)
		return out
	}

	insertAt := lastUser + 1
	rest := append([]upstream.Turn{}, out.Contents[insertAt:]...)
	out.Contents = append(out.Contents[:insertAt], modelTurn, continueTurn)
	out.Contents = append(out.Contents, rest...)
	return out
}

// errorPayload is the structured body of the terminal SSE error event
// emitted once the retry budget is exhausted.
type errorPayload struct {
	Code                 int    `json:"code"`
	Status               string `json:"status"`
	Reason               string `json:"reason"`
	AccumulatedTextChars int    `json:"accumulated_text_chars"`
}

func (e *Engine) emitFinalError(w http.ResponseWriter, lastReason Termination, accumulatedChars int) {
	payload := errorPayload{
		Code:                 504,
		Status:               "DEADLINE_EXCEEDED",
		Reason:               lastReason.String(),
		AccumulatedTextChars: accumulatedChars,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("streamretry: marshal final error payload")
		return
	}
	_ = WriteSSEEvent(w, SSEEvent{Event: "error", Data: data})
}

type statusError int

func (s statusError) Error() string {
	return "streamretry: unexpected upstream status"
}

func errNonOKStatus(code int) error {
	return statusError(code)
}
