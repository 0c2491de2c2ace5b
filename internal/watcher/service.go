package watcher

import (
	"context"
	"time"

	"github.com/raine/estate-client/internal/estate"
	"github.com/rs/zerolog/log"
)

const (
	// PollInterval is the time between polling cycles.
	PollInterval = 2 * time.Minute

	// PruneInterval is how often to forget old seen notifications.
	PruneInterval = 24 * time.Hour

	// SeenMaxAge is how long a seen notification ID is remembered.
	SeenMaxAge = 30 * 24 * time.Hour // 30 days
)

// NotificationSource lists the user's unread notifications.
type NotificationSource interface {
	ListNotifications(ctx context.Context, unreadOnly bool) ([]estate.Notification, error)
}

// Notifier is called once for every notification not seen before.
type Notifier func(n estate.Notification)

// Service polls unread notifications and reports each one once.
type Service struct {
	source   NotificationSource
	notify   Notifier
	interval time.Duration
	seen     map[int64]time.Time
	now      func() time.Time
}

// NewService creates a new watcher service. A zero interval uses PollInterval.
func NewService(source NotificationSource, notify Notifier, interval time.Duration) *Service {
	if interval <= 0 {
		interval = PollInterval
	}
	return &Service{
		source:   source,
		notify:   notify,
		interval: interval,
		seen:     make(map[int64]time.Time),
		now:      time.Now,
	}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("starting notification watcher")

	s.poll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	pruneTicker := time.NewTicker(PruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("notification watcher stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		case <-pruneTicker.C:
			s.prune()
		}
	}
}

// poll executes one polling cycle.
func (s *Service) poll(ctx context.Context) {
	notifications, err := s.source.ListNotifications(ctx, true)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("failed to fetch notifications")
		}
		return
	}

	// Every ID still unread is touched so only notifications that left the
	// list can age out in prune
	now := s.now()
	var fresh []estate.Notification
	for _, n := range notifications {
		if _, ok := s.seen[n.ID]; !ok {
			fresh = append(fresh, n)
		}
		s.seen[n.ID] = now
	}
	if len(fresh) == 0 {
		log.Debug().Int("unread", len(notifications)).Msg("no new notifications")
		return
	}

	log.Info().Int("new", len(fresh)).Msg("found new notifications")

	for _, n := range fresh {
		s.notify(n)
	}
}

// prune forgets IDs that have not been in the unread list for SeenMaxAge.
func (s *Service) prune() {
	cutoff := s.now().Add(-SeenMaxAge)
	var count int
	for id, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, id)
			count++
		}
	}
	if count > 0 {
		log.Info().Int("pruned", count).Msg("pruned old seen notifications")
	}
}
