// Package estate exposes the property management API as typed operations on
// top of the authenticated api.Client.
package estate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/raine/estate-client/internal/api"
	"github.com/raine/estate-client/internal/session"
	"github.com/rs/zerolog/log"
)

const (
	LoginPath         = "/v1/users/login/"
	CurrentUserPath   = "/v1/users/me/"
	PropertiesPath    = "/v1/properties/"
	TicketsPath       = "/v1/tickets/"
	NotificationsPath = "/v1/notifications/"
)

type Repository struct {
	client *api.Client
}

func NewRepository(client *api.Client) *Repository {
	return &Repository{client: client}
}

type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// Login exchanges credentials for a token pair and starts the session.
func (r *Repository) Login(ctx context.Context, creds Credentials) (session.TokenPair, error) {
	if err := validateStruct(creds); err != nil {
		return session.TokenPair{}, err
	}

	data, err := r.client.Post(ctx, LoginPath, creds)
	if err != nil {
		return session.TokenPair{}, err
	}

	var tr api.TokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return session.TokenPair{}, fmt.Errorf("failed to decode login response: %w", err)
	}
	if tr.Access == "" || tr.Refresh == "" {
		return session.TokenPair{}, errors.New("login response is missing tokens")
	}

	tokens := session.TokenPair{AccessToken: tr.Access, RefreshToken: tr.Refresh}
	if err := r.client.StartSession(ctx, tokens); err != nil {
		return session.TokenPair{}, err
	}
	log.Info().Str("email", creds.Email).Msg("logged in")
	return tokens, nil
}

// Logout ends the session locally. The server keeps no session state to
// revoke.
func (r *Repository) Logout(ctx context.Context) error {
	if err := r.client.EndSession(ctx); err != nil {
		return err
	}
	log.Info().Msg("logged out")
	return nil
}

func (r *Repository) CurrentUser(ctx context.Context) (User, error) {
	data, err := r.client.Get(ctx, CurrentUserPath, nil)
	if err != nil {
		return User{}, err
	}

	var w wireUser
	if err := json.Unmarshal(data, &w); err != nil {
		return User{}, fmt.Errorf("failed to decode user: %w", err)
	}
	return userFromWire(w), nil
}

// ListProperties returns one page of the user's properties. Pages start at 1;
// zero means the first page.
func (r *Repository) ListProperties(ctx context.Context, page int) (Page[Property], error) {
	data, err := r.client.Get(ctx, PropertiesPath, pageQuery(page))
	if err != nil {
		return Page[Property]{}, err
	}
	return pageFromWire(data, propertyFromWire)
}

func (r *Repository) GetProperty(ctx context.Context, id int64) (Property, error) {
	if id <= 0 {
		return Property{}, &ValidationError{Fields: map[string]string{"id": "The ID must be greater than 0."}}
	}

	data, err := r.client.Get(ctx, PropertiesPath+strconv.FormatInt(id, 10)+"/", nil)
	if err != nil {
		return Property{}, err
	}

	var w wireProperty
	if err := json.Unmarshal(data, &w); err != nil {
		return Property{}, fmt.Errorf("failed to decode property: %w", err)
	}
	return propertyFromWire(w)
}

type TicketFilter struct {
	PropertyID int64  `validate:"gte=0"`
	Status     string `validate:"omitempty,oneof=open in_progress resolved closed"`
	Page       int    `validate:"gte=0"`
}

func (r *Repository) ListTickets(ctx context.Context, filter TicketFilter) (Page[Ticket], error) {
	if err := validateStruct(filter); err != nil {
		return Page[Ticket]{}, err
	}

	q := pageQuery(filter.Page)
	if filter.PropertyID > 0 {
		q.Set("property", strconv.FormatInt(filter.PropertyID, 10))
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}

	data, err := r.client.Get(ctx, TicketsPath, q)
	if err != nil {
		return Page[Ticket]{}, err
	}
	return pageFromWire(data, ticketFromWire)
}

type NewTicket struct {
	PropertyID  int64  `json:"property" validate:"required,gt=0"`
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=5000"`
	Priority    string `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

func (r *Repository) CreateTicket(ctx context.Context, t NewTicket) (Ticket, error) {
	if err := validateStruct(t); err != nil {
		return Ticket{}, err
	}
	if t.Priority == "" {
		t.Priority = "normal"
	}

	data, err := r.client.Post(ctx, TicketsPath, t)
	if err != nil {
		return Ticket{}, err
	}

	var w wireTicket
	if err := json.Unmarshal(data, &w); err != nil {
		return Ticket{}, fmt.Errorf("failed to decode ticket: %w", err)
	}
	return ticketFromWire(w)
}

func (r *Repository) ListNotifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	var q url.Values
	if unreadOnly {
		q = url.Values{"unread": {"true"}}
	}

	data, err := r.client.Get(ctx, NotificationsPath, q)
	if err != nil {
		return nil, err
	}

	page, err := pageFromWire(data, notificationFromWire)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

func pageQuery(page int) url.Values {
	q := url.Values{}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	return q
}
