package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opstools/ssh-broker/internal/events"
)

// Request is one line of the stdio protocol: a named tool call with an id
// the caller expects echoed back, per spec.md §6 ("request/response over
// standard IO, specific marshaling left to the dispatcher"). There is no
// MCP/JSON-RPC library anywhere in the corpus, so the wire format is a
// minimal line-delimited JSON envelope encoded/decoded with the standard
// library's encoding/json (one json.Unmarshal per input line, one
// json.Encoder for output), as in juju-juju's
// worker/uniteractivity/manifold.go and internal/logsink.
type Request struct {
	ID     string          `json:"id"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// Response pairs a Request's id with its Result.
type Response struct {
	ID string `json:"id"`
	Result
}

// Event is an unsolicited line pushed to the orchestrator outside the
// request/response cycle, carrying a live data stream (spec.md §4.I: "the
// orchestrator reads a live data stream" of PTY output).
type Event struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// Serve reads one Request per line from r and writes one Response per
// line to w, until r is exhausted or ctx is done. A malformed line is
// reported as an isError Response tagged with whatever id could be
// recovered, never as a fatal condition for the loop itself.
//
// It also subscribes to hub's terminal data topic for the life of the
// call and interleaves each chunk onto w as an Event line, guarded by the
// same write mutex as Response lines so the two never tear a JSON line in
// half.
func Serve(ctx context.Context, d *Dispatcher, hub *events.Hub, r io.Reader, w io.Writer, log zerolog.Logger) error {
	br := bufio.NewReader(r)
	enc := json.NewEncoder(w)

	var mu sync.Mutex
	encode := func(v interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(v)
	}

	unsub := hub.Subscribe(events.TopicTerminalData, func(_ string, data interface{}) {
		evt, ok := data.(events.TerminalDataEvent)
		if !ok {
			return
		}
		if err := encode(Event{Event: "terminal_data", SessionID: evt.SessionID, Data: evt.Data}); err != nil {
			log.Warn().Err(err).Msg("failed to forward terminal data event")
		}
	})
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, rerr := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var req Request
			var result Result
			if err := json.Unmarshal(line, &req); err != nil {
				log.Error().Err(err).Msg("malformed tool request")
				result = errText("malformed tool request: " + err.Error())
			} else {
				result = d.Dispatch(ctx, req.Tool, req.Params)
			}
			if err := encode(Response{ID: req.ID, Result: result}); err != nil {
				return err
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}
