package tokengate

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// RouterStream wraps a ProviderStream, tracking usage and content and
// reporting the outcome to the meter and health tracker on close.
type RouterStream struct {
	inner     ProviderStream
	router    *Router
	requestID string
	candidate Candidate
	attempts  int
	startTime time.Time
	cancel    context.CancelFunc

	usage     *Usage
	content   strings.Builder
	closed    bool
	done      bool
	streamErr error // first non-EOF error encountered during streaming
}

// Next returns the next chunk from the stream.
func (s *RouterStream) Next() (StreamChunk, error) {
	chunk, err := s.inner.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
		} else if s.streamErr == nil {
			s.streamErr = err
		}
		return chunk, err
	}

	if chunk.Usage != nil {
		u := *chunk.Usage
		s.usage = &u
	}
	s.content.WriteString(chunk.Content())

	return chunk, nil
}

// Provider returns the name of the provider serving the stream.
func (s *RouterStream) Provider() string { return s.candidate.Provider.Name() }

// Model returns the model the stream was opened with.
func (s *RouterStream) Model() string { return s.candidate.Model }

// Attempts returns how many providers were tried to open the stream.
func (s *RouterStream) Attempts() int { return s.attempts }

// Usage returns the usage reported by the provider, if any.
func (s *RouterStream) Usage() (Usage, bool) {
	if s.usage == nil {
		return Usage{}, false
	}
	return *s.usage, true
}

// Content returns all content delivered so far.
func (s *RouterStream) Content() string { return s.content.String() }

// Completed reports whether the provider ended the stream normally.
func (s *RouterStream) Completed() bool { return s.done && s.streamErr == nil }

// Err returns the first non-EOF error seen on the stream.
func (s *RouterStream) Err() error { return s.streamErr }

// Close releases the stream.
func (s *RouterStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.inner.Close()
	if s.cancel != nil {
		s.cancel()
	}

	if s.streamErr != nil {
		s.router.recordFailure(s.candidate, s.streamErr)
	}

	var usage Usage
	if s.usage != nil {
		usage = *s.usage
	}
	s.router.meter.OnResult(ResultEvent{
		RequestID: s.requestID,
		Provider:  s.candidate.Provider.Name(),
		Model:     s.candidate.Model,
		Success:   s.Completed(),
		Duration:  time.Since(s.startTime),
		Usage:     usage,
		Error:     s.streamErr,
	})

	return err
}
