package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raine/estate-client/internal/session"
	"github.com/raine/estate-client/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenNotValidBody = `{"error":{"error_code":"token_not_valid","message":"Given token not valid for any token type"}}`

func alwaysOnline(context.Context) bool  { return true }
func alwaysOffline(context.Context) bool { return false }

func newTestClient(baseURL string, sess *session.Session, store storage.TokenStore) *Client {
	return NewClient(ClientOpts{
		BaseURL:      baseURL,
		Session:      sess,
		Store:        store,
		Timezone:     "Europe/Helsinki",
		Connectivity: ConnectivityFunc(alwaysOnline),
	})
}

func loggedInSession(access, refresh string) *session.Session {
	s := session.New()
	s.OnLoginSuccess(session.TokenPair{AccessToken: access, RefreshToken: refresh})
	return s
}

// refreshServer serves /v1/properties/ which only accepts "Bearer new-a", and
// the refresh endpoint which hands out new-a/new-r.
type refreshServer struct {
	mu              sync.Mutex
	propertyCalls   int
	refreshCalls    int
	propertyAuth    []string
	propertyBodies  []string
	refreshBodies   []string
	refreshTimezone []string
	refreshStatus   int
	refreshResponse string
	refreshDelay    time.Duration
}

func newRefreshServer() *refreshServer {
	return &refreshServer{
		refreshStatus:   http.StatusOK,
		refreshResponse: `{"data":{"access":"new-a","refresh":"new-r"}}`,
	}
}

// serverCounts is a point-in-time copy of what refreshServer recorded.
type serverCounts struct {
	propertyCalls   int
	refreshCalls    int
	propertyAuth    []string
	propertyBodies  []string
	refreshBodies   []string
	refreshTimezone []string
}

func (s *refreshServer) snapshot() serverCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return serverCounts{
		propertyCalls:   s.propertyCalls,
		refreshCalls:    s.refreshCalls,
		propertyAuth:    append([]string(nil), s.propertyAuth...),
		propertyBodies:  append([]string(nil), s.propertyBodies...),
		refreshBodies:   append([]string(nil), s.refreshBodies...),
		refreshTimezone: append([]string(nil), s.refreshTimezone...),
	}
}

func (s *refreshServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case RefreshPath:
		s.mu.Lock()
		s.refreshCalls++
		s.refreshBodies = append(s.refreshBodies, string(body))
		s.refreshTimezone = append(s.refreshTimezone, r.Header.Get(HeaderTimezone))
		delay, status, resp := s.refreshDelay, s.refreshStatus, s.refreshResponse
		s.mu.Unlock()

		time.Sleep(delay)
		w.WriteHeader(status)
		io.WriteString(w, resp)
	case "/v1/properties/":
		auth := r.Header.Get(HeaderAuthorization)
		s.mu.Lock()
		s.propertyCalls++
		s.propertyAuth = append(s.propertyAuth, auth)
		s.propertyBodies = append(s.propertyBodies, string(body))
		s.mu.Unlock()

		if auth != "Bearer new-a" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, tokenNotValidBody)
			return
		}
		io.WriteString(w, `{"data":[{"id":1}]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestDo_AttachesAuthorizationAndTimezone(t *testing.T) {
	var req *http.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req = r
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":{"id":7,"title":"Harbour view"}}`)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL, loggedInSession("abc", "r"), nil)
	data, err := client.Get(context.Background(), "/v1/properties/7/", nil)
	require.NoError(t, err)

	assert.JSONEq(t, `{"id":7,"title":"Harbour view"}`, string(data))
	assert.Equal(t, "/v1/properties/7/", req.URL.Path)
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))
	assert.Equal(t, "Europe/Helsinki", req.Header.Get("Timezone"))
	assert.NotEmpty(t, req.Header.Get(HeaderRequestID))
}

func TestDo_AnonymousRequestHasNoAuthorization(t *testing.T) {
	var req *http.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req = r
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":[]}`)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL, session.New(), nil)
	data, err := client.Get(context.Background(), "/v1/listings/", nil)
	require.NoError(t, err)

	assert.Equal(t, `[]`, string(data))
	_, present := req.Header["Authorization"]
	assert.False(t, present)
	assert.Equal(t, "Europe/Helsinki", req.Header.Get("Timezone"))
}

func TestDo_SendsQueryAndBody(t *testing.T) {
	var req *http.Request
	var body []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req = r
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"data":{"id":3}}`)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL, loggedInSession("abc", "r"), nil)
	_, err := client.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/v1/tickets/",
		Query:  map[string][]string{"notify": {"true"}},
		Header: http.Header{"X-Client": {"cli"}},
		Body:   map[string]any{"title": "Leaking tap"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "notify=true", req.URL.RawQuery)
	assert.Equal(t, "cli", req.Header.Get("X-Client"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"title":"Leaking tap"}`, string(body))
}

func TestDo_RefreshesAndReplaysOnTokenNotValid(t *testing.T) {
	srv := newRefreshServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(ctx, storage.SessionKey, session.TokenPair{AccessToken: "old-a", RefreshToken: "old-r"}))
	sess := loggedInSession("old-a", "old-r")

	client := newTestClient(ts.URL, sess, store)
	data, err := client.Get(ctx, "/v1/properties/", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1}]`, string(data))

	got := srv.snapshot()
	assert.Equal(t, 1, got.refreshCalls)
	assert.JSONEq(t, `{"refresh":"old-r"}`, got.refreshBodies[0])
	// The refresh call goes through the non-intercepted transport
	assert.Equal(t, "", got.refreshTimezone[0])

	assert.Equal(t, 2, got.propertyCalls)
	assert.Equal(t, []string{"Bearer old-a", "Bearer new-a"}, got.propertyAuth)

	stored, err := store.Get(ctx, storage.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, session.TokenPair{AccessToken: "new-a", RefreshToken: "new-r"}, *stored)
	assert.Equal(t, "new-a", sess.AccessToken())
	assert.Equal(t, "new-r", sess.RefreshToken())
}

func TestDo_ReplayResendsPreSerializedBody(t *testing.T) {
	srv := newRefreshServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := newTestClient(ts.URL, loggedInSession("old-a", "old-r"), nil)
	_, err := client.Post(context.Background(), "/v1/properties/", []byte(`{"title":"Loft","rooms":3}`))
	require.NoError(t, err)

	got := srv.snapshot()
	require.Len(t, got.propertyBodies, 2)
	assert.JSONEq(t, `{"title":"Loft","rooms":3}`, got.propertyBodies[0])
	assert.JSONEq(t, `{"title":"Loft","rooms":3}`, got.propertyBodies[1])
}

func TestDo_ReplayResendsReaderBody(t *testing.T) {
	srv := newRefreshServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := newTestClient(ts.URL, loggedInSession("old-a", "old-r"), nil)
	_, err := client.Put(context.Background(), "/v1/properties/", strings.NewReader(`{"title":"Loft"}`))
	require.NoError(t, err)

	got := srv.snapshot()
	require.Len(t, got.propertyBodies, 2)
	assert.JSONEq(t, `{"title":"Loft"}`, got.propertyBodies[1])
}

func TestDo_DataListErrorShapeTriggersRefresh(t *testing.T) {
	var refreshCalls, calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == RefreshPath {
			atomic.AddInt32(&refreshCalls, 1)
			io.WriteString(w, `{"data":{"access":"new-a","refresh":"new-r"}}`)
			return
		}
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer new-a" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"data":[{"error_code":"token_not_valid"}]}`)
			return
		}
		io.WriteString(w, `{"data":{"ok":true}}`)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL, loggedInSession("old-a", "old-r"), nil)
	data, err := client.Get(context.Background(), "/v1/notifications/", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.EqualValues(t, 1, refreshCalls)
	assert.EqualValues(t, 2, calls)
}

func TestDo_RefreshFailureEndsSession(t *testing.T) {
	srv := newRefreshServer()
	srv.refreshStatus = http.StatusUnauthorized
	srv.refreshResponse = `{"error":{"error_code":"token_not_valid","message":"Token is blacklisted"}}`
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(ctx, storage.SessionKey, session.TokenPair{AccessToken: "old-a", RefreshToken: "old-r"}))
	sess := loggedInSession("old-a", "old-r")

	client := newTestClient(ts.URL, sess, store)
	_, err := client.Get(ctx, "/v1/properties/", nil)
	require.Error(t, err)

	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.True(t, errors.Is(err, ErrRefreshFailed))
	assert.Equal(t, MessageRefreshFailed, ce.Message)
	assert.Equal(t, http.StatusUnauthorized, ce.StatusCode)
	assert.True(t, strings.HasSuffix(ce.URL, RefreshPath), ce.URL)
	assert.Equal(t, http.MethodPost, ce.Method)
	assert.Equal(t, []string{"Token is blacklisted"}, ce.Errors)

	got := srv.snapshot()
	assert.Equal(t, 1, got.refreshCalls)
	assert.Equal(t, 1, got.propertyCalls)

	stored, err := store.Get(ctx, storage.SessionKey)
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.False(t, sess.IsLoggedIn())
	assert.Equal(t, "", sess.RefreshToken())
}

func TestDo_RefreshResponseWithoutAccessTokenFails(t *testing.T) {
	srv := newRefreshServer()
	srv.refreshResponse = `{"data":{}}`
	ts := httptest.NewServer(srv)
	defer ts.Close()

	sess := loggedInSession("old-a", "old-r")
	client := newTestClient(ts.URL, sess, nil)
	_, err := client.Get(context.Background(), "/v1/properties/", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.False(t, sess.IsLoggedIn())
}

func TestDo_RefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	srv := newRefreshServer()
	srv.refreshResponse = `{"data":{"access":"new-a"}}`
	ts := httptest.NewServer(srv)
	defer ts.Close()

	sess := loggedInSession("old-a", "old-r")
	client := newTestClient(ts.URL, sess, nil)
	_, err := client.Get(context.Background(), "/v1/properties/", nil)
	require.NoError(t, err)
	assert.Equal(t, "new-a", sess.AccessToken())
	assert.Equal(t, "old-r", sess.RefreshToken())
}

func TestDo_NoRefreshTokenSurfacesSessionExpired(t *testing.T) {
	srv := newRefreshServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := newTestClient(ts.URL, loggedInSession("old-a", ""), nil)
	_, err := client.Get(context.Background(), "/v1/properties/", nil)
	require.Error(t, err)

	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, MessageSessionExpired, ce.Message)
	assert.Equal(t, http.StatusUnauthorized, ce.StatusCode)
	assert.Equal(t, CodeTokenNotValid, ce.Code)
	assert.ErrorIs(t, err, ErrSessionExpired)
	got := srv.snapshot()
	assert.Equal(t, 0, got.refreshCalls)
	assert.Equal(t, 1, got.propertyCalls)
}

func TestDo_ReplayFailureIsNotRefreshedAgain(t *testing.T) {
	var refreshCalls, calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == RefreshPath {
			atomic.AddInt32(&refreshCalls, 1)
			io.WriteString(w, `{"data":{"access":"new-a","refresh":"new-r"}}`)
			return
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, tokenNotValidBody)
	}))
	defer ts.Close()

	sess := loggedInSession("old-a", "old-r")
	client := newTestClient(ts.URL, sess, nil)
	_, err := client.Get(context.Background(), "/v1/properties/", nil)
	require.Error(t, err)

	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, ce.StatusCode)
	assert.EqualValues(t, 1, refreshCalls)
	assert.EqualValues(t, 2, calls)
	// The refresh itself succeeded, so the session survives
	assert.Equal(t, "new-a", sess.AccessToken())
}

func TestDo_ConcurrentExpiredRequestsShareOneRefresh(t *testing.T) {
	srv := newRefreshServer()
	srv.refreshDelay = 100 * time.Millisecond
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := newTestClient(ts.URL, loggedInSession("old-a", "old-r"), nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.Get(context.Background(), "/v1/properties/", nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	got := srv.snapshot()
	assert.Equal(t, 1, got.refreshCalls)
}

func TestDo_RotatedWhileInFlightReplaysWithoutRefresh(t *testing.T) {
	sess := loggedInSession("old-a", "old-r")

	var mu sync.Mutex
	var auths []string
	var refreshCalls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		mu.Lock()
		defer mu.Unlock()

		if r.URL.Path == RefreshPath {
			refreshCalls++
			io.WriteString(w, `{"data":{"access":"x-a","refresh":"x-r"}}`)
			return
		}

		auth := r.Header.Get(HeaderAuthorization)
		auths = append(auths, auth)
		if auth != "Bearer new-a" {
			// Another caller finishes a refresh before this 401 reaches the client
			sess.OnLoginSuccess(session.TokenPair{AccessToken: "new-a", RefreshToken: "new-r"})
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, tokenNotValidBody)
			return
		}
		io.WriteString(w, `{"data":{"id":1}}`)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL, sess, nil)
	data, err := client.Get(context.Background(), "/v1/properties/1/", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(data))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, refreshCalls)
	assert.Equal(t, []string{"Bearer old-a", "Bearer new-a"}, auths)
	assert.Equal(t, "new-r", sess.RefreshToken())
}

func TestRefresh_AlreadyRotatedTokenSkipsRefreshCall(t *testing.T) {
	srv := newRefreshServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	store := storage.NewMemoryStore()
	sess := loggedInSession("new-a", "new-r")
	client := newTestClient(ts.URL, sess, store)

	tokens, err := client.refresh(context.Background(), "old-r")
	require.NoError(t, err)
	assert.Equal(t, session.TokenPair{AccessToken: "new-a", RefreshToken: "new-r"}, tokens)

	got := srv.snapshot()
	assert.Equal(t, 0, got.refreshCalls)
	assert.True(t, sess.IsLoggedIn())
}

func TestDo_GenericAPIError(t *testing.T) {
	const body = `{"error":{"error_code":"invalid","message":"Title is required"}}`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, body)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL, loggedInSession("a", "r"), nil)
	_, err := client.Post(context.Background(), "/v1/tickets/", map[string]string{})
	require.Error(t, err)

	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, "Title is required", ce.Message)
	assert.Equal(t, http.StatusBadRequest, ce.StatusCode)
	assert.Equal(t, body, ce.Description)
	assert.Equal(t, ts.URL+"/v1/tickets/", ce.URL)
	assert.Equal(t, http.MethodPost, ce.Method)
	assert.Equal(t, ErrorCode("invalid"), ce.Code)
	assert.ErrorIs(t, err, ErrAPI)

	original, ok := ce.Original.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, original, "error")
}

func TestDo_ServerErrorWithoutBodyUsesDefaultMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL, session.New(), nil)
	_, err := client.Get(context.Background(), "/v1/properties/", nil)
	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, MessageDefault, ce.Message)
	assert.Equal(t, http.StatusInternalServerError, ce.StatusCode)
}

func closedServerURL() string {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()
	return url
}

func TestDo_NoInternet(t *testing.T) {
	client := NewClient(ClientOpts{
		BaseURL:      closedServerURL(),
		Connectivity: ConnectivityFunc(alwaysOffline),
	})

	_, err := client.Get(context.Background(), "/v1/properties/", nil)
	require.Error(t, err)

	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, MessageNoInternet, ce.Message)
	assert.Equal(t, StatusServiceUnavailable, ce.StatusCode)
	assert.ErrorIs(t, err, ErrNoInternet)
}

func TestDo_NetworkErrorWhileOnline(t *testing.T) {
	client := NewClient(ClientOpts{
		BaseURL:      closedServerURL(),
		Connectivity: ConnectivityFunc(alwaysOnline),
	})

	_, err := client.Get(context.Background(), "/v1/properties/", nil)
	require.Error(t, err)

	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, MessageDefault, ce.Message)
	assert.Equal(t, 0, ce.StatusCode)
	assert.Equal(t, http.MethodGet, ce.Method)
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestDo_EmptySuccessBodyReturnsEmptyObject(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL, session.New(), nil)
	data, err := client.Delete(context.Background(), "/v1/notifications/1/")
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))
}

func TestClient_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	client := newTestClient("http://127.0.0.1:1", nil, store)

	require.NoError(t, client.StartSession(ctx, session.TokenPair{AccessToken: "a", RefreshToken: "r"}))
	assert.True(t, client.Session().IsLoggedIn())

	restored := newTestClient("http://127.0.0.1:1", nil, store)
	require.NoError(t, restored.RestoreSession(ctx))
	assert.Equal(t, "a", restored.Session().AccessToken())

	require.NoError(t, restored.EndSession(ctx))
	assert.False(t, restored.Session().IsLoggedIn())
	stored, err := store.Get(ctx, storage.SessionKey)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestClient_RefreshWithoutSession(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1", nil, nil)
	err := client.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestClient_ExplicitRefresh(t *testing.T) {
	srv := newRefreshServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	sess := loggedInSession("old-a", "old-r")
	client := newTestClient(ts.URL, sess, nil)
	require.NoError(t, client.Refresh(context.Background()))
	assert.Equal(t, "new-a", sess.AccessToken())
	got := srv.snapshot()
	assert.Equal(t, 0, got.propertyCalls)
}

func TestReplayBody(t *testing.T) {
	decoded := replayBody([]byte(`{"id":12345678901234567}`))
	m, ok := decoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("12345678901234567"), m["id"])

	assert.Equal(t, "not json", replayBody("not json"))
	body := map[string]string{"a": "b"}
	assert.Equal(t, body, replayBody(body))
}
