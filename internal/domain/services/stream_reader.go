package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/username/turbochat/internal/domain/entities"
	"github.com/username/turbochat/internal/domain/ports"
	"github.com/username/turbochat/internal/pkg/constants"
	"github.com/username/turbochat/internal/pkg/logutil"
	"github.com/username/turbochat/pkg/tokenizer"
)

// DefaultFirstChunkTimeout is how long the reader waits for the first
// chunk before declaring the stream dead.
const DefaultFirstChunkTimeout = constants.FirstChunkTimeout

// fallbackContent replaces an empty model response that still carried
// retrieval sources.
const fallbackContent = "I could not generate a response based on the provided documents. " +
	"However, here are the relevant sources that may help answer your question."

// readerState tracks the stream reader's position in its lifecycle
type readerState int

const (
	stateIdle readerState = iota
	stateAwaitingChunk
	stateStreaming
	stateFinalizing
	stateClosed
	stateFailed
)

func (s readerState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaitingChunk:
		return "awaiting_chunk"
	case stateStreaming:
		return "streaming"
	case stateFinalizing:
		return "finalizing"
	case stateClosed:
		return "closed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrStreamTimeout reports that no chunk arrived within the first-chunk
// window.
var ErrStreamTimeout = fmt.Errorf("no response received from the stream")

// ReadOptions carries the provenance context of the generation being
// streamed, stamped onto the finalized message.
type ReadOptions struct {
	UseRag        bool
	RagCollection string
	// SearchInfo from a search pre-pass; a search_info stream event
	// overrides it.
	SearchInfo *entities.SearchInfo
}

// StreamReader reduces a stream-event channel into one finalized
// assistant message. It is a single-shot state machine: each Read call
// runs idle through closed (or failed) and the loop exiting is what
// enforces that events after a terminal transition are never processed.
type StreamReader struct {
	logger            *logutil.Logger
	tokenizer         *tokenizer.Tokenizer
	firstChunkTimeout time.Duration
	preview           func(text string)
}

// NewStreamReader creates a reader. tok may be nil, in which case token
// counts fall back to a length-based estimate. preview, when non-nil,
// receives the accumulated text after every chunk for live display.
func NewStreamReader(logger *logutil.Logger, tok *tokenizer.Tokenizer, firstChunkTimeout time.Duration, preview func(text string)) *StreamReader {
	if firstChunkTimeout <= 0 {
		firstChunkTimeout = DefaultFirstChunkTimeout
	}
	return &StreamReader{
		logger:            logger,
		tokenizer:         tok,
		firstChunkTimeout: firstChunkTimeout,
		preview:           preview,
	}
}

// Read consumes events until a terminal transition and returns the
// finalized assistant message. Cancelling ctx commits whatever partial
// text was buffered with the interrupted flag set, rather than
// discarding it. A stream error or first-chunk timeout returns an error
// and no message.
func (r *StreamReader) Read(ctx context.Context, events <-chan ports.StreamEvent, opts ReadOptions) (*entities.Message, error) {
	start := time.Now()
	state := stateAwaitingChunk

	var buffer strings.Builder
	var endData string
	searchInfo := opts.SearchInfo
	var ragSources []entities.RagSource

	timeout := time.NewTimer(r.firstChunkTimeout)
	defer timeout.Stop()

	for state == stateAwaitingChunk || state == stateStreaming {
		select {
		case <-ctx.Done():
			// Cooperative stop: commit the partial buffer as interrupted
			msg := r.finalize(buffer.String(), buffer.String(), start, searchInfo, ragSources, opts, true)
			return msg, nil

		case <-timeout.C:
			if state == stateAwaitingChunk {
				state = stateFailed
				r.logger.Warn("stream timed out waiting for first chunk")
				return nil, ErrStreamTimeout
			}

		case event, ok := <-events:
			if !ok {
				// Channel closed without a terminal event; finalize with
				// whatever arrived
				state = stateFinalizing
				break
			}
			switch event.Type {
			case ports.EventChunk:
				if state == stateAwaitingChunk {
					state = stateStreaming
					timeout.Stop()
				}
				buffer.WriteString(event.Data)
				if r.preview != nil {
					r.preview(buffer.String())
				}

			case ports.EventSearchInfo:
				if event.SearchInfo != nil {
					searchInfo = event.SearchInfo
				}

			case ports.EventRagSources:
				ragSources = event.Sources

			case ports.EventEnd:
				endData = event.Data
				state = stateFinalizing

			case ports.EventError:
				state = stateFailed
				return nil, fmt.Errorf("stream error: %s", event.Data)
			}
		}
	}

	msg := r.finalize(endData, buffer.String(), start, searchInfo, ragSources, opts, false)
	state = stateClosed
	r.logger.Debug("stream finalized", logutil.Fields{
		"state":   state.String(),
		"elapsed": time.Since(start).Seconds(),
	})
	return msg, nil
}

// finalize builds the assistant message from the terminal snapshot. The
// end event carries the full collected text; when it is empty the
// accumulated chunk buffer stands in, unless retrieval sources arrived,
// in which case an explanatory fallback replaces the empty response.
func (r *StreamReader) finalize(endData, buffered string, start time.Time, searchInfo *entities.SearchInfo, ragSources []entities.RagSource, opts ReadOptions, interrupted bool) *entities.Message {
	content := endData
	isFallback := false

	if strings.TrimSpace(content) == "" {
		if len(ragSources) > 0 {
			content = fallbackContent
			isFallback = true
		} else {
			content = buffered
		}
	}

	if searchInfo.HasResults() && !interrupted {
		content = integrateSearchSources(content, searchInfo, time.Now())
	}

	msg := entities.NewMessage(entities.RoleAssistant, content)
	msg.Metrics = &entities.MessageMetrics{
		Tokens:      r.countTokens(content),
		Time:        time.Since(start).Seconds(),
		Interrupted: interrupted,
	}
	msg.IsFallback = isFallback
	msg.UseRag = opts.UseRag || len(ragSources) > 0
	msg.RagCollection = opts.RagCollection
	msg.RagSources = ragSources
	msg.UseTurboSearch = searchInfo != nil
	msg.SearchInfo = searchInfo
	return &msg
}

func (r *StreamReader) countTokens(content string) int {
	if r.tokenizer != nil {
		if n := r.tokenizer.CountTokens(content); n > 0 {
			return n
		}
	}
	return tokenizer.EstimateFromLength(content)
}

// maxInlineSources caps how many search hits are listed in the content
const maxInlineSources = 3

// integrateSearchSources appends a consulted-sources block to a response
// produced with web search: the top hits with hostname-normalized links,
// a count of the remainder, and a recency line.
func integrateSearchSources(content string, info *entities.SearchInfo, now time.Time) string {
	if !info.HasResults() {
		return content
	}

	date := now.Format("01/02/2006")

	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\n---\n\n")
	fmt.Fprintf(&b, "**Sources consulted via TurboSearch (%s):**\n\n", date)

	limit := len(info.Results)
	if limit > maxInlineSources {
		limit = maxInlineSources
	}
	for i := 0; i < limit; i++ {
		result := info.Results[i]
		title := result.Title
		if title == "" {
			title = "Untitled source"
		}
		link := result.Link
		if link == "" {
			link = "#"
		}
		fmt.Fprintf(&b, "%d. **%s** - [%s](%s)\n", i+1, title, hostnameOf(result.Link), link)
	}

	if extra := len(info.Results) - maxInlineSources; extra > 0 {
		fmt.Fprintf(&b, "\n*%d additional sources were also consulted.*", extra)
	}

	elapsed := "?"
	if info.ElapsedTime > 0 {
		elapsed = fmt.Sprintf("%.2f", info.ElapsedTime)
	}
	fmt.Fprintf(&b, "\n\n*Search performed on %s in %s seconds.*", date, elapsed)

	return b.String()
}

// hostnameOf extracts a display hostname, dropping a www. prefix
func hostnameOf(link string) string {
	if link == "" {
		return "source"
	}
	u, err := url.Parse(link)
	if err != nil || u.Hostname() == "" {
		return "source"
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
