package tokengate

import (
	"context"
	"io"
	"strings"
	"time"
)

// GatewayStream yields coalesced chunks from the provider and settles quota
// and audit state when closed.
type GatewayStream struct {
	g      *Gateway
	adm    *admission
	ctx    context.Context
	inner  *RouterStream
	cancel context.CancelFunc

	flushBytes    int
	flushInterval time.Duration

	held    *StreamChunk
	heldErr error

	// A reader goroutine feeds upstream chunks so a pending batch can be
	// flushed on its interval even when the upstream stalls.
	results  chan streamResult
	quit     chan struct{}
	pumpDone chan struct{}

	// blocked streams replay a single synthetic chunk.
	blocked []StreamChunk
	routing RoutingInfo

	closed bool
}

type streamResult struct {
	chunk StreamChunk
	err   error
}

func (s *GatewayStream) pump() {
	defer close(s.pumpDone)
	for {
		chunk, err := s.inner.Next()
		select {
		case s.results <- streamResult{chunk: chunk, err: err}:
		case <-s.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func newBlockedStream(resp ChatResponse) *GatewayStream {
	return &GatewayStream{
		routing: resp.Routing,
		blocked: []StreamChunk{{
			ID:    resp.ID,
			Model: resp.Model,
			Choices: []StreamDelta{{
				Index:        0,
				Delta:        Delta{Role: RoleAssistant, Content: firstContent(resp)},
				FinishReason: "stop",
			}},
			Usage: &Usage{},
		}},
	}
}

// RequestID returns the gateway request ID.
func (s *GatewayStream) RequestID() string {
	if s.adm != nil {
		return s.adm.requestID
	}
	return s.routing.RequestID
}

// RateLimit returns the admission decision, nil when no limiter ran.
func (s *GatewayStream) RateLimit() *RateDecision {
	if s.adm != nil {
		return s.adm.rate
	}
	return s.routing.RateLimit
}

// Blocked reports whether a rule blocked the request.
func (s *GatewayStream) Blocked() bool { return s.inner == nil }

// Provider returns the provider serving the stream, or "" when blocked.
func (s *GatewayStream) Provider() string {
	if s.inner == nil {
		return ""
	}
	return s.inner.Provider()
}

// Next returns the next coalesced chunk, or io.EOF when done. Content
// deltas are merged until the buffer reaches its byte limit, the batch has
// been open for the flush interval, or a chunk ends the choice.
func (s *GatewayStream) Next() (StreamChunk, error) {
	if s.inner == nil {
		if len(s.blocked) == 0 {
			return StreamChunk{}, io.EOF
		}
		c := s.blocked[0]
		s.blocked = s.blocked[1:]
		return c, nil
	}

	if s.held != nil {
		c := *s.held
		s.held = nil
		return c, nil
	}
	if s.heldErr != nil {
		return StreamChunk{}, s.heldErr
	}

	if s.results == nil {
		s.results = make(chan streamResult)
		s.quit = make(chan struct{})
		s.pumpDone = make(chan struct{})
		go s.pump()
	}

	var (
		batch   StreamChunk
		content strings.Builder
		have    bool
		timer   *time.Timer
		flush   <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	emit := func() StreamChunk {
		batch.Choices[0].Delta.Content = content.String()
		return batch
	}

	for {
		var r streamResult
		select {
		case r = <-s.results:
		case <-flush:
			return emit(), nil
		}

		chunk, err := r.chunk, r.err
		if err != nil {
			s.heldErr = err
			if have {
				return emit(), nil
			}
			return StreamChunk{}, err
		}

		switch {
		case len(chunk.Choices) == 0:
			if !have {
				return chunk, nil
			}
			if chunk.Usage != nil {
				batch.Usage = chunk.Usage
			}
			return emit(), nil
		case len(chunk.Choices) > 1 || (have && chunk.Choices[0].Index != batch.Choices[0].Index):
			if !have {
				return chunk, nil
			}
			s.held = &chunk
			return emit(), nil
		}

		d := chunk.Choices[0]
		if !have {
			batch = StreamChunk{
				ID:      chunk.ID,
				Model:   chunk.Model,
				Choices: []StreamDelta{{Index: d.Index}},
			}
			timer = time.NewTimer(s.flushInterval)
			flush = timer.C
			have = true
		}
		if d.Delta.Role != "" && batch.Choices[0].Delta.Role == "" {
			batch.Choices[0].Delta.Role = d.Delta.Role
		}
		content.WriteString(d.Delta.Content)
		if d.FinishReason != "" {
			batch.Choices[0].FinishReason = d.FinishReason
		}
		if chunk.Usage != nil {
			batch.Usage = chunk.Usage
		}

		if chunk.terminal() || content.Len() >= s.flushBytes {
			return emit(), nil
		}
	}
}

// Close releases the upstream stream, settles the reservation and records
// the outcome. A stream closed before the provider finished counts as
// aborted when content was already delivered, and as failed otherwise.
func (s *GatewayStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.inner == nil {
		return nil
	}

	if s.quit != nil {
		close(s.quit)
		// Unblocks a reader still waiting on the upstream.
		s.cancel()
		<-s.pumpDone
	}
	err := s.inner.Close()
	s.cancel()

	g, adm := s.g, s.adm
	content := s.inner.Content()
	usage, hasUsage := s.inner.Usage()

	actual := EstimateTokens(adm.req.Messages) + EstimateText(content)
	if hasUsage && usage.TotalTokens > 0 {
		actual = usage.TotalTokens
	}

	switch {
	case s.inner.Completed():
		g.reconcile(s.ctx, adm, actual)
		g.stats.succeeded.Add(1)
		if adm.rule.Action == RuleGuide {
			g.stats.guided.Add(1)
		}
		g.record(adm, adm.action(), content, actual, s.inner.Provider(), s.inner.Model())
	case content != "":
		g.reconcile(s.ctx, adm, actual)
		g.stats.aborted.Add(1)
		if streamErr := s.inner.Err(); streamErr != nil {
			g.stats.recordError(streamErr)
		}
		g.logger.Warn("stream aborted",
			"request_id", adm.requestID,
			"provider", s.inner.Provider(),
			"tokens", actual,
			"error", s.inner.Err(),
		)
		g.record(adm, ActionAborted, content, actual, s.inner.Provider(), s.inner.Model())
	default:
		g.release(s.ctx, adm)
		streamErr := s.inner.Err()
		if streamErr == nil {
			streamErr = context.Canceled
		}
		g.fail(adm, streamErr, s.inner.Provider())
	}

	return err
}
