package management

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fortknox/internal/compile"
	"fortknox/internal/content"
	"fortknox/internal/extract"
	"fortknox/internal/fault"
	"fortknox/internal/reportstore"
)

const (
	maxItemBytes    = 8 << 20
	maxRequestBytes = 64 << 10
)

// Error codes outside the fault taxonomy.
const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeNotFound       = "NOT_FOUND"
	codeUnauthorized   = "UNAUTHORIZED"
	codeRateLimited    = "RATE_LIMITED"
	codeInternal       = "INTERNAL"
)

type errorBody struct {
	Code    string   `json:"error_code"`
	Reasons []string `json:"reasons,omitempty"`
}

// statusFor maps a failure kind to its HTTP status.
func statusFor(k fault.Kind) int {
	switch k {
	case fault.UnknownPolicy:
		return http.StatusBadRequest
	case fault.CompileInFlight:
		return http.StatusConflict
	case fault.Offline:
		return http.StatusServiceUnavailable
	case fault.RemoteError, fault.RemoteRejected:
		return http.StatusBadGateway
	case fault.EmptyPack, fault.InsufficientSanitization, fault.PIIGateFailed,
		fault.SizeExceeded, fault.OutputGateFailed, fault.ReIDGuardFailed,
		fault.MaskEscalationExhausted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	k := fault.KindOf(err)
	if k == "" {
		s.log.Error("request", "internal error",
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Code: codeInternal})
		return
	}
	c.JSON(statusFor(k), errorBody{Code: string(k), Reasons: fault.ReasonsOf(err)})
}

func (s *Server) invalid(c *gin.Context) {
	c.JSON(http.StatusBadRequest, errorBody{Code: codeInvalidRequest})
}

// bind decodes a size-limited JSON body into v and validates it.
func (s *Server) bind(c *gin.Context, limit int64, v any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	if err := c.ShouldBindJSON(v); err != nil {
		s.invalid(c)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.invalid(c)
		return false
	}
	return true
}

func (s *Server) handleStatus(c *gin.Context) {
	type response struct {
		State  string `json:"status"`
		Uptime string `json:"uptime"`
		Status
	}
	c.JSON(http.StatusOK, response{
		State:  "running",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
		Status: s.opts.Status,
	})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Code: "METRICS_DISABLED"})
		return
	}
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

type itemRequest struct {
	ID           string               `json:"id" validate:"required,max=256"`
	Kind         string               `json:"kind" validate:"required,oneof=document note source"`
	Text         string               `json:"text" validate:"required_without=HTML"`
	HTML         string               `json:"html" validate:"required_without=Text"`
	Restrictions content.Restrictions `json:"usage_restrictions"`
}

func (s *Server) handleItem(c *gin.Context) {
	if s.items == nil {
		c.JSON(http.StatusNotFound, errorBody{Code: codeNotFound})
		return
	}
	var req itemRequest
	if !s.bind(c, maxItemBytes, &req) {
		return
	}
	raw := req.Text
	if req.HTML != "" {
		text, err := extract.HTML(bytes.NewReader([]byte(req.HTML)))
		if err != nil {
			s.invalid(c)
			return
		}
		raw = text
	}
	s.items.Put(req.ID, req.Kind, raw, req.Restrictions)
	s.log.Info("ingest", "item stored",
		zap.String("id", req.ID),
		zap.String("kind", req.Kind),
		zap.Int("bytes", len(raw)))
	c.JSON(http.StatusOK, gin.H{"id": req.ID, "bytes": len(raw)})
}

type sanitizeRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=1000,dive,required"`
}

type sanitizeItem struct {
	content.Result
	ErrorCode string `json:"error_code,omitempty"`
}

func (s *Server) handleSanitize(c *gin.Context) {
	var req sanitizeRequest
	if !s.bind(c, maxRequestBytes, &req) {
		return
	}
	results, err := s.sanitizer.SanitizeAll(c.Request.Context(), req.IDs)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]sanitizeItem, len(results))
	for i, r := range results {
		out[i] = sanitizeItem{Result: r}
		switch {
		case r.Err == nil:
		case errors.Is(r.Err, content.ErrNotFound):
			out[i].ErrorCode = codeNotFound
		case fault.KindOf(r.Err) != "":
			out[i].ErrorCode = string(fault.KindOf(r.Err))
		default:
			out[i].ErrorCode = codeInternal
		}
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *Server) handleCompile(c *gin.Context) {
	var req compile.Request
	if !s.bind(c, maxRequestBytes, &req) {
		return
	}
	r, err := s.compile.Compile(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleReport(c *gin.Context) {
	r, err := s.compile.Report(c.Request.Context(), c.Param("fingerprint"), c.Param("engine"))
	if errors.Is(err, reportstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody{Code: codeNotFound})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}
