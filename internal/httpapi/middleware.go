package httpapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/apierr"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/audit"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/ratelimit"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/session"
)

const ctxKeySessionID = "sessionID"

// inboundAuditMiddleware is the first link in the chain (spec §4.11):
// every request gets one KindHTTP record, emitted after the handler
// runs so the outcome and (if by then resolved) session hash are known.
func (s *Server) inboundAuditMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if s.deps.AuditSink == nil {
			return
		}
		sessionID, _ := c.Get(ctxKeySessionID)
		sessionIDStr, _ := sessionID.(string)
		outcome := "ok"
		if c.Writer.Status() >= http.StatusBadRequest {
			outcome = "error"
		}
		s.deps.AuditSink.Emit(audit.Record{
			Timestamp:   time.Now().UTC(),
			Kind:        audit.KindHTTP,
			Severity:    severityForStatus(c.Writer.Status()),
			SessionHash: audit.HashSessionID(sessionIDStr),
			Resource:    c.FullPath(),
			Action:      c.Request.Method,
			Outcome:     outcome,
			Fields: map[string]any{
				"status":         c.Writer.Status(),
				"durationMillis": time.Since(start).Milliseconds(),
			},
		})
	}
}

func severityForStatus(status int) audit.Severity {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusUnauthorized:
		return audit.SeveritySecurity
	case status >= http.StatusInternalServerError:
		return audit.SeverityError
	default:
		return audit.SeverityNormal
	}
}

// scrubRequestMiddleware scrubs the query string and, for JSON bodies
// only, the request body before any handler sees it (spec §4.11).
// Multipart bodies are left untouched here — they carry binary image
// data — and are scrubbed field-by-field where handlers parse them.
func (s *Server) scrubRequestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Scrubber == nil {
			c.Next()
			return
		}

		query := c.Request.URL.Query()
		changed := false
		for key, values := range query {
			for i, v := range values {
				scrubbed, report := s.deps.Scrubber.ScrubString(v)
				if report.Found() {
					query[key][i] = scrubbed
					changed = true
				}
			}
		}
		if changed {
			c.Request.URL.RawQuery = query.Encode()
		}

		if strings.HasPrefix(c.ContentType(), "application/json") {
			body, err := io.ReadAll(c.Request.Body)
			if err == nil {
				scrubbed, _ := s.deps.Scrubber.ScrubString(string(body))
				c.Request.Body = io.NopCloser(bytes.NewBufferString(scrubbed))
				c.Request.ContentLength = int64(len(scrubbed))
			}
		}

		c.Next()
	}
}

// scrubResponseMiddleware buffers the handler's JSON body and scrubs it
// before it reaches the wire — the last link in spec §4.11's chain.
func (s *Server) scrubResponseMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Scrubber == nil {
			c.Next()
			return
		}
		bw := &bufferedWriter{ResponseWriter: c.Writer, status: http.StatusOK}
		c.Writer = bw
		c.Next()

		scrubbed, _ := s.deps.Scrubber.ScrubString(bw.buf.String())
		bw.ResponseWriter.WriteHeader(bw.status)
		_, _ = bw.ResponseWriter.Write([]byte(scrubbed))
	}
}

type bufferedWriter struct {
	gin.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

func (w *bufferedWriter) WriteHeader(status int) {
	w.status = status
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	return w.buf.WriteString(s)
}

// sessionAuthMiddleware validates the bearer token for protected routes.
func (s *Server) sessionAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			apierr.WriteJSON(c, apierr.New(apierr.NoSessionToken, "missing bearer token"))
			c.Abort()
			return
		}
		state, err := s.deps.Sessions.Validate(token)
		if err != nil {
			apierr.WriteJSON(c, sessionErrorToAPIErr(err))
			c.Abort()
			return
		}
		c.Set(ctxKeySessionID, state.ID)
		c.Set("sessionState", state)
		c.Next()
	}
}

func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// rateLimited checks the Rate Limiter using the session id (once
// resolved) or the hashed peer address as the identifier (spec §4.5:
// never a raw IP).
func (s *Server) rateLimited(class ratelimit.Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.RateLimiter == nil {
			c.Next()
			return
		}
		id := ratelimit.Identifier(audit.HashSessionID(c.ClientIP()))
		if sessionID, ok := c.Get(ctxKeySessionID); ok {
			if str, ok := sessionID.(string); ok && str != "" {
				id = ratelimit.Identifier(str)
			}
		}
		result := s.deps.RateLimiter.Check(id, class)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", result.ResetAt.UTC().Format(time.RFC3339))
		if !result.Allowed {
			apierr.WriteJSON(c, apierr.New(apierr.RateLimited, "rate limit exceeded"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// uploadValidationMiddleware rejects multipart requests before the
// handler parses them if the declared size already exceeds the limit;
// per-file MIME/dimension validation happens in the Image Preprocessor.
func (s *Server) uploadValidationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.ContentType(), "multipart/form-data") {
			c.Next()
			return
		}
		const maxUploadBytes = 55 * 1024 * 1024 // 50 MiB image + form overhead
		if c.Request.ContentLength > maxUploadBytes {
			apierr.WriteJSON(c, apierr.New(apierr.PayloadTooLarge, "upload exceeds maximum size"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func sessionErrorToAPIErr(err error) error {
	var verr *session.ValidateError
	if errors.As(err, &verr) {
		switch verr.Reason {
		case session.FailureNoToken:
			return apierr.New(apierr.NoSessionToken, "missing bearer token")
		case session.FailureExpired:
			return apierr.New(apierr.SessionExpired, "session has expired")
		}
	}
	return apierr.New(apierr.InvalidSession, err.Error())
}
