package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ineyio/tokengate"
)

// handleChat serves POST /v1/chat/completions.
func (s *Server) handleChat(c *gin.Context) {
	var req tokengate.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, errorPayload(
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), "invalid_request"))
			return
		}
		c.JSON(http.StatusBadRequest, errorPayload("invalid JSON body", "invalid_request"))
		return
	}

	in := tokengate.Inbound{
		Credential: bearer(c),
		RemoteAddr: tokengate.ClientAddress(c.GetHeader("X-Forwarded-For"), c.Request.RemoteAddr),
		RequestID:  c.GetString(requestIDKey),
	}

	if req.Stream {
		s.streamChat(c, in, req)
		return
	}

	resp, err := s.gw.ChatCompletion(c.Request.Context(), in, req)
	if err != nil {
		s.fail(c, in, err)
		return
	}
	setRateHeaders(c, resp.Routing.RateLimit)
	if resp.Routing.Provider != "" {
		c.Header("X-Provider", resp.Routing.Provider)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) streamChat(c *gin.Context, in tokengate.Inbound, req tokengate.ChatRequest) {
	stream, err := s.gw.ChatCompletionStream(c.Request.Context(), in, req)
	if err != nil {
		s.fail(c, in, err)
		return
	}
	defer stream.Close()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorPayload("streaming not supported", "internal"))
		return
	}

	setRateHeaders(c, stream.RateLimit())
	if p := stream.Provider(); p != "" {
		c.Header("X-Provider", p)
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			fmt.Fprint(c.Writer, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		if err != nil {
			// Headers are gone; the failure travels as a final event.
			_, msg := httpStatus(err)
			if data, merr := json.Marshal(errorPayload(msg, tokengate.ErrorClass(err))); merr == nil {
				fmt.Fprintf(c.Writer, "data: %s\n\n", data)
				flusher.Flush()
			}
			s.logger.Warn("stream ended with error",
				"request_id", in.RequestID,
				"provider", stream.Provider(),
				"error", err,
			)
			return
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			s.logger.Error("encode stream chunk", "request_id", in.RequestID, "error", err)
			return
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// fail writes err. Failed authentication is charged against the client
// address when an auth failure limiter is configured.
func (s *Server) fail(c *gin.Context, in tokengate.Inbound, err error) {
	if s.authLimiter != nil && errors.Is(err, tokengate.ErrAuthFailed) {
		if key, kerr := tokengate.AddressKey(in.RemoteAddr); kerr == nil {
			d, lerr := s.authLimiter.Allow(c.Request.Context(), key, 1)
			if lerr == nil && !d.Allowed {
				s.logger.Warn("authentication failures throttled",
					"request_id", in.RequestID,
					"remote_addr", in.RemoteAddr,
				)
				err = &tokengate.RateLimitError{Limit: d.Limit, RetryAfter: d.RetryAfter}
			}
		}
	}
	s.writeError(c, err)
}
