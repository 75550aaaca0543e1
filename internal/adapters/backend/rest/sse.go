package rest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/username/turbochat/internal/domain/entities"
	"github.com/username/turbochat/internal/domain/ports"
)

// streamBufferSize bounds how far the reader can run ahead of the consumer
const streamBufferSize = 64

// ssePayload is one decoded "data:" line from the stream
type ssePayload struct {
	Type    string                  `json:"type"`
	Data    json.RawMessage         `json:"data"`
	Sources []entities.RagSource    `json:"sources"`
	Results []entities.SearchResult `json:"results"`
	Query   string                  `json:"query"`
}

// StreamEvents opens the server-sent-event channel for a session. Decoded
// events are delivered in arrival order; the channel closes after a
// terminal end or error event, on [DONE], or when ctx is cancelled.
func (c *Client) StreamEvents(ctx context.Context, session *ports.StreamSession) (<-chan ports.StreamEvent, error) {
	if session == nil || session.ID == "" {
		return nil, fmt.Errorf("stream session is required")
	}

	path := c.baseURL + "/chat-stream?session_id=" + url.QueryEscape(session.ID)
	req, err := http.NewRequestWithContext(ctx, "GET", path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("stream request failed with status %d: %s", resp.StatusCode, string(body))
	}

	events := make(chan ports.StreamEvent, streamBufferSize)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream scans the SSE body line by line until a terminal event,
// EOF, or context cancellation, then closes the event channel.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, events chan<- ports.StreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			// Comment lines, event: framing, and blank separators
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "{}" {
			continue
		}
		if data == "[DONE]" {
			deliver(ctx, events, ports.StreamEvent{Type: ports.EventEnd})
			return
		}

		event, terminal := decodeEvent(data)
		if event.Type == "" {
			continue
		}
		if !deliver(ctx, events, event) {
			return
		}
		if terminal {
			return
		}
	}
	// EOF without a terminal event still finalizes the stream
	if ctx.Err() == nil {
		deliver(ctx, events, ports.StreamEvent{Type: ports.EventEnd})
	}
}

// decodeEvent translates one data payload into a stream event. Payloads
// that are not valid envelopes pass through as raw chunk text.
func decodeEvent(data string) (ports.StreamEvent, bool) {
	var payload ssePayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil || payload.Type == "" {
		return ports.StreamEvent{Type: ports.EventChunk, Data: data}, false
	}

	switch ports.StreamEventType(payload.Type) {
	case ports.EventChunk:
		return ports.StreamEvent{Type: ports.EventChunk, Data: decodeText(payload.Data)}, false

	case ports.EventSearchInfo:
		info := &entities.SearchInfo{Query: payload.Query, Results: payload.Results}
		if len(payload.Data) > 0 {
			// Some emitters nest the payload under data
			var nested entities.SearchInfo
			if err := json.Unmarshal(payload.Data, &nested); err == nil && len(nested.Results) > 0 {
				info = &nested
			}
		}
		return ports.StreamEvent{Type: ports.EventSearchInfo, SearchInfo: info}, false

	case ports.EventRagSources:
		sources := payload.Sources
		if len(sources) == 0 && len(payload.Data) > 0 {
			json.Unmarshal(payload.Data, &sources)
		}
		return ports.StreamEvent{Type: ports.EventRagSources, Sources: sources}, false

	case ports.EventEnd:
		return ports.StreamEvent{Type: ports.EventEnd, Data: decodeText(payload.Data)}, true

	case ports.EventError:
		return ports.StreamEvent{Type: ports.EventError, Data: decodeText(payload.Data)}, true

	default:
		// Unknown envelope types (status, info) are dropped
		return ports.StreamEvent{}, false
	}
}

// decodeText accepts either a JSON string or an arbitrary JSON value
func decodeText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func deliver(ctx context.Context, events chan<- ports.StreamEvent, event ports.StreamEvent) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
