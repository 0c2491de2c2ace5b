package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// User-facing messages carried by ClientError.
const (
	MessageDefault        = "Something went wrong. Please try again later."
	MessageNoInternet     = "No internet connection. Check your network and try again."
	MessageSessionExpired = "Your session has expired. Please log in again."
	MessageRefreshFailed  = "Could not renew your session. Please log in again."
)

// StatusServiceUnavailable is reported for requests that never got a response
// while the device was offline.
const StatusServiceUnavailable = http.StatusServiceUnavailable

// Sentinel causes attached to ClientError so callers can use errors.Is.
var (
	ErrNoInternet     = errors.New("no internet connection")
	ErrNoResponse     = errors.New("no response from server")
	ErrSessionExpired = errors.New("session expired")
	ErrRefreshFailed  = errors.New("token refresh failed")
	ErrAPI            = errors.New("api error")
)

// ErrorCode is the machine-readable code the server puts in error payloads.
type ErrorCode string

const (
	CodeNone          ErrorCode = ""
	CodeTokenNotValid ErrorCode = "token_not_valid"
)

// ClientError is the only error type returned by Client. StatusCode is zero
// when no response was received.
type ClientError struct {
	Message     string
	StatusCode  int
	Description string
	Errors      []string
	Original    any
	URL         string
	Method      string
	Code        ErrorCode

	kinds []error
	cause error
}

func (e *ClientError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Method != "" || e.URL != "" {
		fmt.Fprintf(&b, " (%s %s", e.Method, e.URL)
		if e.StatusCode != 0 {
			fmt.Fprintf(&b, ", status: %d", e.StatusCode)
		}
		b.WriteString(")")
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

// Unwrap exposes the sentinel kinds and the underlying transport error.
func (e *ClientError) Unwrap() []error {
	errs := append([]error(nil), e.kinds...)
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

func (e *ClientError) withKind(kind error) *ClientError {
	e.kinds = append(e.kinds, kind)
	return e
}

// AsClientError returns the ClientError in err's chain, if any.
func AsClientError(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ErrorShape identifies which of the two wire shapes an error payload used.
type ErrorShape int

const (
	ShapeUnknown ErrorShape = iota
	// ShapeErrorObject is {"error": {"error_code": "..."}}
	ShapeErrorObject
	// ShapeDataList is {"data": [{"error_code": "..."}, ...]}
	ShapeDataList
)

// ErrorPayload is an error response body resolved once at the boundary so
// nothing downstream re-inspects raw JSON.
type ErrorPayload struct {
	Shape    ErrorShape
	Code     ErrorCode
	Messages []string
	// Original is the decoded body, or the raw text if it was not JSON.
	Original any
}

type wireErrorDetail struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Detail    string `json:"detail"`
}

type wireErrorBody struct {
	Error *wireErrorDetail `json:"error"`
	Data  json.RawMessage  `json:"data"`
}

// ParseErrorPayload classifies an error response body.
func ParseErrorPayload(body []byte) ErrorPayload {
	var p ErrorPayload
	if len(body) == 0 {
		return p
	}

	var original any
	if err := json.Unmarshal(body, &original); err != nil {
		p.Original = string(body)
		return p
	}
	p.Original = original

	var wire wireErrorBody
	if err := json.Unmarshal(body, &wire); err != nil {
		// Valid JSON that isn't an object, e.g. a bare list of strings
		return p
	}

	var list []wireErrorDetail
	if len(wire.Data) > 0 {
		if err := json.Unmarshal(wire.Data, &list); err != nil {
			list = nil
		}
	}

	switch {
	case wire.Error != nil && wire.Error.ErrorCode != "":
		p.Shape = ShapeErrorObject
		p.Code = ErrorCode(wire.Error.ErrorCode)
	case len(list) > 0 && list[0].ErrorCode != "":
		p.Shape = ShapeDataList
		p.Code = ErrorCode(list[0].ErrorCode)
	}

	if wire.Error != nil {
		p.Messages = appendMessages(p.Messages, *wire.Error)
	}
	for _, d := range list {
		p.Messages = appendMessages(p.Messages, d)
	}

	return p
}

func appendMessages(dst []string, d wireErrorDetail) []string {
	if d.Message != "" {
		dst = append(dst, d.Message)
	}
	if d.Detail != "" && d.Detail != d.Message {
		dst = append(dst, d.Detail)
	}
	return dst
}
