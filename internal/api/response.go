package api

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

var emptyObject = json.RawMessage(`{}`)

type envelope struct {
	Data json.RawMessage `json:"data"`
}

// NormalizeSuccess extracts the "data" member of a successful response. It
// never fails: an empty body or a missing data member yields {} and a
// non-JSON payload is passed through, both with a logged warning. The result
// depends only on the response, so calling it twice yields the same value.
func NormalizeSuccess(res *resty.Response) json.RawMessage {
	return normalizeSuccess(
		res.StatusCode(),
		res.Header().Get("Content-Type"),
		res.Body(),
		res.Request.Method,
		res.Request.URL,
	)
}

func normalizeSuccess(status int, contentType string, body []byte, method, url string) json.RawMessage {
	if len(bytes.TrimSpace(body)) == 0 {
		if status != http.StatusNoContent {
			log.Warn().Int("status", status).Str("method", method).Str("url", url).
				Msg("empty response body")
		}
		return emptyObject
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || isJSONNull(env.Data) {
		if status != http.StatusNoContent {
			log.Warn().Int("status", status).Str("method", method).Str("url", url).
				Msg("response body has no data member")
		}
		return emptyObject
	}

	if !isJSONContentType(contentType) {
		log.Warn().Str("contentType", contentType).Str("method", method).Str("url", url).
			Msg("response is not JSON")
	} else if !isJSONContainer(env.Data) {
		log.Warn().Str("method", method).Str("url", url).
			Msg("response data is not a JSON object or array")
	}

	return env.Data
}

func isJSONNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isJSONContainer(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	return trimmed[0] == '{' || trimmed[0] == '['
}

func isJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// newResponseError builds the ClientError for a non-2xx response. An empty
// message falls back to the server's own message, then to MessageDefault.
func newResponseError(res *resty.Response, payload ErrorPayload, kind error, message string) *ClientError {
	if message == "" && len(payload.Messages) > 0 {
		message = payload.Messages[0]
	}
	if message == "" {
		message = MessageDefault
	}
	if kind == nil {
		kind = ErrAPI
	}

	return &ClientError{
		Message:     message,
		StatusCode:  res.StatusCode(),
		Description: string(res.Body()),
		Errors:      payload.Messages,
		Original:    payload.Original,
		URL:         res.Request.URL,
		Method:      res.Request.Method,
		Code:        payload.Code,
		kinds:       []error{kind},
	}
}

// newNetworkError builds the ClientError for a request that got no response.
func newNetworkError(method, url string, online bool, cause error) *ClientError {
	if !online {
		return &ClientError{
			Message:    MessageNoInternet,
			StatusCode: StatusServiceUnavailable,
			URL:        url,
			Method:     method,
			kinds:      []error{ErrNoInternet},
			cause:      cause,
		}
	}

	return &ClientError{
		Message: MessageDefault,
		URL:     url,
		Method:  method,
		kinds:   []error{ErrNoResponse},
		cause:   cause,
	}
}

// hasResponse reports whether the transport produced an HTTP response.
func hasResponse(res *resty.Response) bool {
	return res != nil && res.RawResponse != nil
}
