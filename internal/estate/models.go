package estate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type User struct {
	ID        int64
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Role      string
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

type Address struct {
	Street     string
	City       string
	PostalCode string
	Country    string
}

func (a Address) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a.Street, strings.TrimSpace(a.PostalCode + " " + a.City), a.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

type Property struct {
	ID      int64
	Name    string
	Address Address
	Units   int
	// MonthlyRentCents is the rent in minor currency units.
	MonthlyRentCents int64
	Currency         string
	Occupied         bool
}

type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
	TicketClosed     TicketStatus = "closed"
)

type Ticket struct {
	ID          int64
	PropertyID  int64
	Title       string
	Description string
	Status      TicketStatus
	Priority    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Notification struct {
	ID        int64
	Title     string
	Body      string
	Read      bool
	CreatedAt time.Time
}

// Page is one page of a paginated list endpoint.
type Page[T any] struct {
	Items   []T
	Count   int
	HasNext bool
}

// Wire formats. These mirror the server payloads and are converted by the
// fromWire functions below; nothing outside this file sees them.

type wireUser struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone_number"`
	Role      string `json:"role"`
}

type wireAddress struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type wireProperty struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Address     *wireAddress `json:"address"`
	UnitsCount  int          `json:"units_count"`
	MonthlyRent string       `json:"monthly_rent"`
	Currency    string       `json:"currency"`
	IsOccupied  bool         `json:"is_occupied"`
}

type wireTicket struct {
	ID          int64  `json:"id"`
	Property    int64  `json:"property"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type wireNotification struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	IsRead    bool   `json:"is_read"`
	CreatedAt string `json:"created_at"`
}

type wirePage struct {
	Count   int             `json:"count"`
	Next    *string         `json:"next"`
	Results json.RawMessage `json:"results"`
}

func userFromWire(w wireUser) User {
	return User{
		ID:        w.ID,
		Email:     w.Email,
		FirstName: w.FirstName,
		LastName:  w.LastName,
		Phone:     w.Phone,
		Role:      w.Role,
	}
}

func propertyFromWire(w wireProperty) (Property, error) {
	rent, err := parseAmount(w.MonthlyRent)
	if err != nil {
		return Property{}, fmt.Errorf("property %d: %w", w.ID, err)
	}

	p := Property{
		ID:               w.ID,
		Name:             w.Name,
		Units:            w.UnitsCount,
		MonthlyRentCents: rent,
		Currency:         w.Currency,
		Occupied:         w.IsOccupied,
	}
	if w.Address != nil {
		p.Address = Address{
			Street:     w.Address.Street,
			City:       w.Address.City,
			PostalCode: w.Address.PostalCode,
			Country:    w.Address.Country,
		}
	}
	return p, nil
}

func ticketFromWire(w wireTicket) (Ticket, error) {
	createdAt, err := parseTime(w.CreatedAt)
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket %d: %w", w.ID, err)
	}
	updatedAt, err := parseTime(w.UpdatedAt)
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket %d: %w", w.ID, err)
	}

	return Ticket{
		ID:          w.ID,
		PropertyID:  w.Property,
		Title:       w.Title,
		Description: w.Description,
		Status:      TicketStatus(w.Status),
		Priority:    w.Priority,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

func notificationFromWire(w wireNotification) (Notification, error) {
	createdAt, err := parseTime(w.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("notification %d: %w", w.ID, err)
	}
	return Notification{
		ID:        w.ID,
		Title:     w.Title,
		Body:      w.Message,
		Read:      w.IsRead,
		CreatedAt: createdAt,
	}, nil
}

// pageFromWire decodes a paginated payload, converting each result with conv.
// A bare JSON array is accepted as a single complete page.
func pageFromWire[W, T any](data json.RawMessage, conv func(W) (T, error)) (Page[T], error) {
	var items []W
	var page Page[T]

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &items); err != nil {
			return page, fmt.Errorf("failed to decode list: %w", err)
		}
		page.Count = len(items)
	} else {
		var wp wirePage
		if err := json.Unmarshal(data, &wp); err != nil {
			return page, fmt.Errorf("failed to decode page: %w", err)
		}
		if len(wp.Results) > 0 {
			if err := json.Unmarshal(wp.Results, &items); err != nil {
				return page, fmt.Errorf("failed to decode page results: %w", err)
			}
		}
		page.Count = wp.Count
		page.HasNext = wp.Next != nil && *wp.Next != ""
	}

	page.Items = make([]T, 0, len(items))
	for _, w := range items {
		item, err := conv(w)
		if err != nil {
			return Page[T]{}, err
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

// parseAmount converts a decimal string such as "1250.50" into minor units
// without going through floating point. At most two fraction digits are
// accepted. An empty string is zero.
func parseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	neg := strings.HasPrefix(s, "-")
	whole, frac, hasFrac := strings.Cut(strings.TrimPrefix(s, "-"), ".")
	if whole == "" && frac == "" || strings.HasPrefix(whole, "+") || strings.HasPrefix(whole, "-") {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if hasFrac && (frac == "" || len(frac) > 2) {
		return 0, fmt.Errorf("invalid amount %q: expected at most two decimals", s)
	}

	var units int64
	if whole != "" {
		n, err := strconv.ParseUint(whole, 10, 63)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", s, err)
		}
		units = int64(n)
	}

	var cents int64
	if frac != "" {
		n, err := strconv.ParseUint(frac, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", s, err)
		}
		cents = int64(n)
		if len(frac) == 1 {
			cents *= 10
		}
	}

	if units > (math.MaxInt64-cents)/100 {
		return 0, fmt.Errorf("invalid amount %q: out of range", s)
	}
	total := units*100 + cents
	if neg {
		total = -total
	}
	return total, nil
}

// parseTime accepts RFC 3339 timestamps, with or without fractional seconds.
// An empty string is the zero time.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// FormatCents renders minor units as a decimal amount, e.g. 125050 -> "1250.50".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
