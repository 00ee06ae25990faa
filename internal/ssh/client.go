// Package ssh runs build tool invocations and workspace file operations on
// a remote build host.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Host describes how to reach a build host.
type Host struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	// Dialer defaults to a net.Dialer with Timeout.
	Dialer Dialer
}

func (h *Host) clientConfig() (*xssh.ClientConfig, error) {
	if h.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if h.KnownHosts == nil {
		return nil, errors.New("ssh: known_hosts callback required")
	}
	return &xssh.ClientConfig{
		User:            h.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(h.Signer)},
		HostKeyCallback: h.KnownHosts,
		Timeout:         h.Timeout,
	}, nil
}

// Connect dials the host, retrying with linear backoff. The caller owns the
// returned client.
func (h *Host) Connect(ctx context.Context) (*xssh.Client, error) {
	cfg, err := h.clientConfig()
	if err != nil {
		return nil, err
	}
	dialer := h.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: h.Timeout}
	}
	retries := h.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := h.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := h.dialOnce(ctx, dialer, cfg)
		if err == nil {
			return cli, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("addr", h.Addr).Int("attempt", attempt+1).Msg("ssh connect failed")
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, fmt.Errorf("connect %s: %w", h.Addr, lastErr)
}

func (h *Host) dialOnce(ctx context.Context, dialer Dialer, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	conn, err := dialer.DialContext(ctx, "tcp", h.Addr)
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		c, chans, reqs, err := xssh.NewClientConn(conn, h.Addr, cfg)
		if err != nil {
			ch <- res{err: err}
			return
		}
		ch <- res{cli: xssh.NewClient(c, chans, reqs)}
	}()
	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}
