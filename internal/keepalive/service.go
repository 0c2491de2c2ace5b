// Package keepalive keeps a stored session usable while estatectl runs in
// the background.
package keepalive

import (
	"context"
	"errors"
	"time"

	"github.com/raine/estate-client/internal/api"
	"github.com/raine/estate-client/internal/session"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval = 10 * time.Minute

	// DefaultRefreshMargin is how long before access token expiry a refresh is
	// done ahead of time.
	DefaultRefreshMargin = 2 * time.Minute
)

// ErrLoggedOut is returned by Run when there is no session to keep alive.
var ErrLoggedOut = errors.New("not logged in")

type Refresher interface {
	Refresh(ctx context.Context) error
}

// PingFunc makes one authenticated call. Any token refresh it needs is done
// by the client.
type PingFunc func(ctx context.Context) error

type Service struct {
	session   *session.Session
	refresher Refresher
	ping      PingFunc
	interval  time.Duration
	margin    time.Duration
	now       func() time.Time
}

type Opts struct {
	Interval      time.Duration
	RefreshMargin time.Duration
}

func NewService(sess *session.Session, refresher Refresher, ping PingFunc, opts Opts) *Service {
	s := &Service{
		session:   sess,
		refresher: refresher,
		ping:      ping,
		interval:  opts.Interval,
		margin:    opts.RefreshMargin,
		now:       time.Now,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.margin <= 0 {
		s.margin = DefaultRefreshMargin
	}
	return s
}

// Run checks the session immediately and then on every interval until ctx is
// cancelled. It returns early when the session has ended and can only be
// restored by logging in again.
func (s *Service) Run(ctx context.Context) error {
	log.Info().Dur("interval", s.interval).Msg("starting session keep-alive")

	if err := s.tick(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping session keep-alive")
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	if !s.session.IsLoggedIn() {
		return ErrLoggedOut
	}

	if expiry, ok := s.session.AccessTokenExpiry(); ok && expiry.Sub(s.now()) < s.margin {
		log.Info().Time("expiry", expiry).Msg("access token about to expire, refreshing")
		if err := s.refresher.Refresh(ctx); err != nil {
			return terminal(err)
		}
	}

	if err := s.ping(ctx); err != nil {
		if errors.Is(err, api.ErrSessionExpired) || errors.Is(err, api.ErrRefreshFailed) {
			return terminal(err)
		}
		// Transient failures are retried on the next tick
		log.Warn().Err(err).Msg("keep-alive ping failed")
		return nil
	}
	log.Debug().Msg("keep-alive ping ok")
	return nil
}

func terminal(err error) error {
	log.Warn().Err(err).Msg("session ended, stopping keep-alive")
	return err
}
