package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	proxyerr "github.com/blueberrycongee/llmgate/pkg/errors"
)

// ErrorResponse is the client-facing error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Type         string   `json:"type"`
	Message      string   `json:"message"`
	CurrentUsage *float64 `json:"current_usage,omitempty"`
	LimitValue   *float64 `json:"limit_value,omitempty"`
}

// WriteError renders one error envelope.
func WriteError(w http.ResponseWriter, status int, typ, message string) {
	writeErrorDetail(w, status, ErrorDetail{Type: typ, Message: message})
}

func writeErrorDetail(w http.ResponseWriter, status int, detail ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: detail})
}

// RenderRelayError maps a relay failure onto the client error surface.
// Non-retryable upstream responses pass through byte-for-byte; everything
// else is wrapped in the envelope.
func RenderRelayError(w http.ResponseWriter, err error) {
	var rle *proxyerr.RateLimitError
	if errors.As(err, &rle) {
		typ := "rate_limit_" + rle.LimitType
		if rle.LimitType == "concurrent_sessions" {
			typ = rle.LimitType
		}
		writeErrorDetail(w, http.StatusTooManyRequests, ErrorDetail{
			Type:         typ,
			Message:      rle.Error(),
			CurrentUsage: &rle.CurrentUsage,
			LimitValue:   &rle.LimitValue,
		})
		return
	}

	var npe *proxyerr.NoProviderError
	if errors.As(err, &npe) {
		WriteError(w, http.StatusServiceUnavailable, "no_available_provider", npe.Error())
		return
	}

	var pe *proxyerr.ProxyError
	if errors.As(err, &pe) {
		if !pe.Retryable() && pe.StatusCode > 0 && len(pe.Body) > 0 {
			passthroughUpstreamError(w, pe)
			return
		}
		switch pe.Kind {
		case proxyerr.KindStreamParse:
			WriteError(w, http.StatusBadGateway, "stream_error", pe.Message)
		case proxyerr.KindInternal:
			WriteError(w, http.StatusInternalServerError, "internal", pe.Message)
		default:
			if pe.Retryable() {
				WriteError(w, http.StatusBadGateway, "upstream_unreachable", pe.Message)
				return
			}
			status := pe.StatusCode
			if status == 0 {
				status = http.StatusBadGateway
			}
			WriteError(w, status, string(pe.Kind), pe.Message)
		}
		return
	}

	WriteError(w, http.StatusInternalServerError, "internal", err.Error())
}

func passthroughUpstreamError(w http.ResponseWriter, pe *proxyerr.ProxyError) {
	for k, vs := range pe.Header {
		switch k {
		case "Connection", "Transfer-Encoding", "Content-Length":
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(pe.StatusCode)
	_, _ = w.Write(pe.Body)
}
