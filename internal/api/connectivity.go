package api

import (
	"context"
	"net"
	"net/url"
	"time"
)

// Connectivity reports whether the device currently has network access. It is
// only consulted after a request failed without a response.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func(ctx context.Context) bool

func (f ConnectivityFunc) Online(ctx context.Context) bool {
	return f(ctx)
}

// DialCheck considers the device online if a TCP connection to Address can be
// opened within Timeout.
type DialCheck struct {
	Address string
	Timeout time.Duration
}

const defaultDialTimeout = 2 * time.Second

// NewDialCheck dials the host of baseURL, defaulting the port from the scheme.
// An unparsable URL yields a check that always reports offline.
func NewDialCheck(baseURL string) *DialCheck {
	var addr string
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		port := u.Port()
		if port == "" {
			port = "443"
			if u.Scheme == "http" {
				port = "80"
			}
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	return &DialCheck{Address: addr, Timeout: defaultDialTimeout}
}

func (c *DialCheck) Online(ctx context.Context) bool {
	if c.Address == "" {
		return false
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
