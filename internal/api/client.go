package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/raine/estate-client/internal/session"
	"github.com/raine/estate-client/internal/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseURL = "https://api.estate-manager.app/api"
	RefreshPath    = "/v1/users/token/refresh/"

	HeaderAuthorization = "Authorization"
	HeaderTimezone      = "Timezone"
	HeaderRequestID     = "X-Request-Id"

	defaultTimeout = 30 * time.Second
	userAgent      = "estate-client/1.0"
)

type ClientOpts struct {
	BaseURL string
	// Session holds the cached tokens. A fresh anonymous session is used if nil.
	Session *session.Session
	// Store persists tokens. Defaults to an in-memory store.
	Store    storage.TokenStore
	StoreKey string
	// Timezone is sent in the Timezone header. Defaults to the local zone.
	Timezone     string
	Timeout      time.Duration
	Connectivity Connectivity
	// Transport replaces the HTTP round tripper of both underlying clients.
	Transport http.RoundTripper
}

// Client is an authenticated client for the property management API.
//
// Two resty clients share the base URL: api runs the request interceptor and
// serves every caller, bare has no hooks and is only used for the token
// refresh call and the replay that follows it, so a refresh can never recurse
// into another refresh.
type Client struct {
	api  *resty.Client
	bare *resty.Client

	baseURL      string
	session      *session.Session
	store        storage.TokenStore
	storeKey     string
	timezone     string
	connectivity Connectivity

	refreshGroup singleflight.Group
}

func NewClient(opts ClientOpts) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		session:      opts.Session,
		store:        opts.Store,
		storeKey:     storage.SessionKey,
		timezone:     opts.Timezone,
		connectivity: opts.Connectivity,
	}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}
	if opts.StoreKey != "" {
		c.storeKey = opts.StoreKey
	}
	if c.session == nil {
		c.session = session.New()
	}
	if c.store == nil {
		c.store = storage.NewMemoryStore()
	}
	if c.timezone == "" {
		c.timezone = LocalTimezone()
	}
	if c.connectivity == nil {
		c.connectivity = NewDialCheck(c.baseURL)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	c.api = newTransport(c.baseURL, timeout, opts.Transport).
		OnBeforeRequest(c.interceptRequest)
	c.bare = newTransport(c.baseURL, timeout, opts.Transport)

	return c
}

func newTransport(baseURL string, timeout time.Duration, rt http.RoundTripper) *resty.Client {
	rc := resty.New().
		SetDebug(false).
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeaders(
			map[string]string{
				"Accept":     "application/json",
				"User-Agent": userAgent,
			},
		)
	if rt != nil {
		rc.SetTransport(rt)
	}
	return rc
}

// Session returns the session the client reads tokens from.
func (c *Client) Session() *session.Session {
	return c.session
}

// BaseURL returns the API root all request paths are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Request describes one API call. Header may be nil.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	// Body is sent as JSON. []byte, json.RawMessage and string bodies are
	// treated as already-serialized JSON; an io.Reader is read up front so the
	// request can be replayed after a token refresh.
	Body any
}

func (r *Request) clone() *Request {
	cp := *r
	cp.Header = r.Header.Clone()
	return &cp
}

// Do sends req and returns the "data" member of the response body. Every
// failure is returned as a *ClientError.
func (c *Client) Do(ctx context.Context, req *Request) (json.RawMessage, error) {
	req = req.clone()
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if r, ok := req.Body.(io.Reader); ok {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, &ClientError{
				Message: MessageDefault,
				URL:     c.baseURL + req.Path,
				Method:  req.Method,
				cause:   fmt.Errorf("failed to read request body: %w", err),
			}
		}
		req.Body = b
	}

	res, err := c.execute(ctx, c.api, req)
	if err == nil && hasResponse(res) && !res.IsError() {
		return NormalizeSuccess(res), nil
	}
	return c.handleFailure(ctx, req, res, err)
}

func (c *Client) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

func (c *Client) Put(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, &Request{Method: http.MethodPut, Path: path, Body: body})
}

func (c *Client) Patch(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, &Request{Method: http.MethodPatch, Path: path, Body: body})
}

func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, &Request{Method: http.MethodDelete, Path: path})
}

func (c *Client) execute(ctx context.Context, rc *resty.Client, req *Request) (*resty.Response, error) {
	r := rc.NewRequest().SetContext(ctx)
	for k, vs := range req.Header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	if len(req.Query) > 0 {
		r.SetQueryParamsFromValues(req.Query)
	}
	if req.Body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(req.Body)
	}

	log.Debug().Str("method", req.Method).Str("path", req.Path).Msg("api request")
	return r.Execute(req.Method, req.Path)
}

// interceptRequest is the request hook of the api transport.
func (c *Client) interceptRequest(_ *resty.Client, r *resty.Request) error {
	c.applyHeaders(r.Header, c.session.AccessToken())
	return nil
}

// applyHeaders sets the Timezone and request id headers, and the bearer
// Authorization header when accessToken is non-empty. Anonymous requests get
// no Authorization header and are sent as-is.
func (c *Client) applyHeaders(h http.Header, accessToken string) {
	h.Set(HeaderTimezone, c.timezone)
	if h.Get(HeaderRequestID) == "" {
		h.Set(HeaderRequestID, uuid.NewString())
	}
	if accessToken != "" {
		h.Set(HeaderAuthorization, bearer(accessToken))
	}
}

func bearer(token string) string {
	return "Bearer " + token
}

// handleFailure turns a failed call into a ClientError, or into the result of
// a single refresh-and-replay cycle when the access token was rejected.
func (c *Client) handleFailure(ctx context.Context, req *Request, res *resty.Response, err error) (json.RawMessage, error) {
	if !hasResponse(res) {
		return nil, c.networkError(ctx, req, res, err)
	}
	if !res.IsError() {
		// Transport produced a response but resty still reported an error
		return nil, &ClientError{
			Message:    MessageDefault,
			StatusCode: res.StatusCode(),
			URL:        res.Request.URL,
			Method:     res.Request.Method,
			cause:      err,
		}
	}

	payload := ParseErrorPayload(res.Body())
	if payload.Code != CodeTokenNotValid {
		return nil, newResponseError(res, payload, nil, "")
	}

	current := c.session.Tokens()
	if current.RefreshToken == "" {
		log.Info().Str("url", res.Request.URL).Msg("access token rejected and no refresh token available")
		return nil, newResponseError(res, payload, ErrSessionExpired, MessageSessionExpired)
	}

	// Another call may have rotated the tokens while this one was in flight
	if current.AccessToken != "" && res.Request.Header.Get(HeaderAuthorization) != bearer(current.AccessToken) {
		log.Debug().Str("url", res.Request.URL).Msg("session already refreshed, replaying")
		return c.replay(ctx, req, res, current)
	}

	tokens, err := c.refresh(ctx, current.RefreshToken)
	if err != nil {
		return nil, err
	}
	return c.replay(ctx, req, res, tokens)
}

func (c *Client) networkError(ctx context.Context, req *Request, res *resty.Response, err error) *ClientError {
	target := c.baseURL + req.Path
	if res != nil && res.Request != nil && res.Request.URL != "" {
		target = res.Request.URL
	}

	if ctx.Err() != nil {
		return newNetworkError(req.Method, target, true, ctx.Err())
	}

	online := c.connectivity.Online(ctx)
	log.Warn().Err(err).Bool("online", online).Str("method", req.Method).Str("url", target).
		Msg("request failed without response")
	return newNetworkError(req.Method, target, online, err)
}

// replay re-sends the original request exactly once on the bare transport
// with the new access token. Its outcome is final; a second token_not_valid
// is reported like any other API error.
func (c *Client) replay(ctx context.Context, req *Request, failed *resty.Response, tokens session.TokenPair) (json.RawMessage, error) {
	replayReq := &Request{
		Method: req.Method,
		Path:   req.Path,
		Query:  req.Query,
		Header: failed.Request.Header.Clone(),
		Body:   replayBody(req.Body),
	}
	if replayReq.Header == nil {
		replayReq.Header = http.Header{}
	}
	c.applyHeaders(replayReq.Header, tokens.AccessToken)

	res, err := c.execute(ctx, c.bare, replayReq)
	if err == nil && hasResponse(res) && !res.IsError() {
		return NormalizeSuccess(res), nil
	}
	if !hasResponse(res) {
		return nil, c.networkError(ctx, replayReq, res, err)
	}
	return nil, newResponseError(res, ParseErrorPayload(res.Body()), nil, "")
}

// replayBody decodes a pre-serialized JSON body so the replay re-encodes it
// like any other value. Bodies that are not valid JSON are sent unchanged.
func replayBody(body any) any {
	var raw []byte
	switch b := body.(type) {
	case []byte:
		raw = b
	case json.RawMessage:
		raw = b
	case string:
		raw = []byte(b)
	default:
		return body
	}

	var decoded any
	if err := unmarshalUseNumber(raw, &decoded); err != nil {
		return body
	}
	return decoded
}

// StartSession caches tokens in the session and persists them.
func (c *Client) StartSession(ctx context.Context, tokens session.TokenPair) error {
	c.session.OnLoginSuccess(tokens)
	if err := c.store.Set(ctx, c.storeKey, tokens); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}
	return nil
}

// EndSession clears the cached session and removes the persisted tokens.
func (c *Client) EndSession(ctx context.Context) error {
	c.session.OnLogout()
	if err := c.store.Remove(ctx, c.storeKey); err != nil {
		return fmt.Errorf("failed to remove tokens: %w", err)
	}
	return nil
}

// RestoreSession loads persisted tokens into the session at startup.
func (c *Client) RestoreSession(ctx context.Context) error {
	return c.session.Restore(ctx, c.store, c.storeKey)
}

// LocalTimezone returns the IANA name of the local zone when known, otherwise
// its UTC offset such as "+02:00".
func LocalTimezone() string {
	if name := time.Local.String(); name != "" && name != "Local" {
		return name
	}
	if tz := os.Getenv("TZ"); tz != "" {
		if _, err := time.LoadLocation(tz); err == nil {
			return tz
		}
	}
	return time.Now().Format("-07:00")
}
