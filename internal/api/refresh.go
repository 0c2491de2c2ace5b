package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/raine/estate-client/internal/session"
	"github.com/rs/zerolog/log"
)

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// TokenResponse is the data member returned by the login and refresh
// endpoints.
type TokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Refresh exchanges the session's refresh token for a new pair. On failure
// the session is ended.
func (c *Client) Refresh(ctx context.Context) error {
	refreshToken := c.session.RefreshToken()
	if refreshToken == "" {
		return (&ClientError{Message: MessageSessionExpired}).withKind(ErrSessionExpired)
	}
	_, err := c.refresh(ctx, refreshToken)
	return err
}

// refresh runs at most one refresh call per refresh token at a time; callers
// that fail with the same expired session wait for and share its result. The
// call is detached from the caller's cancellation so one abandoned request
// cannot log out the others waiting on it.
func (c *Client) refresh(ctx context.Context, refreshToken string) (session.TokenPair, error) {
	v, err, shared := c.refreshGroup.Do(refreshToken, func() (any, error) {
		flightCtx := context.WithoutCancel(ctx)

		// An earlier flight may have rotated this refresh token already
		if current := c.session.Tokens(); current.AccessToken != "" && current.RefreshToken != refreshToken {
			return current, nil
		}

		tokens, err := c.requestRefresh(flightCtx, refreshToken)
		if err != nil {
			c.expireSession(flightCtx, err)
			return session.TokenPair{}, err
		}

		c.session.OnLoginSuccess(tokens)
		if err := c.store.Set(flightCtx, c.storeKey, tokens); err != nil {
			// The in-memory session is already usable; the next login fixes storage
			log.Error().Err(err).Msg("failed to persist refreshed tokens")
		}
		log.Info().Msg("access token refreshed")
		return tokens, nil
	})
	if shared {
		log.Debug().Msg("shared in-flight token refresh")
	}
	if err != nil {
		return session.TokenPair{}, err
	}
	return v.(session.TokenPair), nil
}

// requestRefresh performs the refresh call on the bare transport.
func (c *Client) requestRefresh(ctx context.Context, refreshToken string) (session.TokenPair, error) {
	req := &Request{
		Method: http.MethodPost,
		Path:   RefreshPath,
		Body:   refreshRequest{Refresh: refreshToken},
	}

	res, err := c.execute(ctx, c.bare, req)
	if !hasResponse(res) {
		return session.TokenPair{}, c.networkError(ctx, req, res, err).withKind(ErrRefreshFailed)
	}
	if err != nil || res.IsError() {
		return session.TokenPair{}, newResponseError(res, ParseErrorPayload(res.Body()), ErrRefreshFailed, MessageRefreshFailed)
	}

	var tr TokenResponse
	data := NormalizeSuccess(res)
	if err := json.Unmarshal(data, &tr); err != nil || tr.Access == "" {
		return session.TokenPair{}, (&ClientError{
			Message:     MessageRefreshFailed,
			StatusCode:  res.StatusCode(),
			Description: string(res.Body()),
			URL:         res.Request.URL,
			Method:      res.Request.Method,
			cause:       err,
		}).withKind(ErrRefreshFailed)
	}

	tokens := session.TokenPair{AccessToken: tr.Access, RefreshToken: tr.Refresh}
	if tokens.RefreshToken == "" {
		// Server did not rotate the refresh token
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

// expireSession is the forced logout that follows a failed refresh.
func (c *Client) expireSession(ctx context.Context, cause error) {
	log.Warn().Err(cause).Msg("token refresh failed, ending session")
	if err := c.EndSession(ctx); err != nil {
		log.Error().Err(err).Msg("failed to clear session after refresh failure")
	}
}

func unmarshalUseNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
