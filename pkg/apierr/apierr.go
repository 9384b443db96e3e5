// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeServerError    = "server_error"
	TypePaymentError   = "payment_error"
	TypeGatewayError   = "gateway_error"
	TypeInvalidRequest = "invalid_request_error"
)

// Code constants.
const (
	CodeServerConfigMissing = "server_config_missing"
	CodeInternalError       = "internal_error"
	CodeInvalidRequest      = "invalid_request"
)

// APIError is the structured error returned to clients. Param is always
// serialized (null when absent) to match the OpenAI envelope exactly.
type (
	APIError struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    string  `json:"code,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteConfigMissing writes the 400 response used when no upstream endpoint has
// been configured. No wallet or upstream call may have happened before this.
func WriteConfigMissing(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadRequest,
		"Server configuration missing. Cannot process request without a configured endpoint.",
		TypeServerError, CodeServerConfigMissing)
}

// WritePaymentError writes a 500 for a failed payment mint. Emitted strictly
// before the upstream is contacted, so the caller is never partially charged.
func WritePaymentError(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypePaymentError, "")
}

// WriteGatewayError writes a 500 for an upstream dispatch failure.
func WriteGatewayError(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypeGatewayError, "")
}

// WriteInvalidRequest writes a 400 for a malformed inbound request body.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}
