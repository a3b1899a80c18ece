// Package llmstream sends chat-completion requests to the LLM endpoint and
// turns its Server-Sent Events response into an ordered stream of typed
// events. Grounded on a hand-rolled SSE parser (ParseSSEStream) for an
// Anthropic-style provider, reused here rather than a provider SDK: the
// source format is consumed directly, not through an SDK client.
package llmstream

import (
	"bufio"
	"io"
	"strings"
)

// sseFrame is one complete Server-Sent Events frame: an event name (empty
// means the default/unnamed event) and its joined data payload.
type sseFrame struct {
	event string
	data  string
}

// scanSSE reads raw bytes from r and invokes emit once per complete frame.
// A frame flushes on any of: a blank line with a non-empty buffer, a new
// "event:" line arriving while the buffer already holds data (the prior
// frame is flushed first), or end of stream with a buffered frame.
func scanSSE(r io.Reader, emit func(sseFrame)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event string
	var dataLines []string

	flush := func() {
		if event == "" && len(dataLines) == 0 {
			return
		}
		emit(sseFrame{event: event, data: strings.Join(dataLines, "\n")})
		event = ""
		dataLines = nil
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			if len(dataLines) > 0 {
				flush()
			}
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// comments (":") and id:/retry: lines carry no information this
			// client needs.
		}
	}
	flush()

	return scanner.Err()
}
