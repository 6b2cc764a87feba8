package push

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	apns "github.com/RobotsAndPencils/buford/push"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/poofware/wallet-service/internal/utils"
)

const (
	Development = apns.Development
	Production  = apns.Production

	defaultReconnectAttempts = 3
	defaultDialTimeout       = 10 * time.Second
)

// NewClientFunc builds the HTTP/2 client for a certificate.
type NewClientFunc func(cert tls.Certificate) (*http.Client, error)

// ProbeFunc checks that the gateway host is reachable with client.
type ProbeFunc func(ctx context.Context, client *http.Client, host string) error

type APNsOption func(*APNsGateway)

func WithHost(host string) APNsOption {
	return func(g *APNsGateway) { g.host = host }
}

func WithNewClient(f NewClientFunc) APNsOption {
	return func(g *APNsGateway) { g.newClient = f }
}

func WithProbe(f ProbeFunc) APNsOption {
	return func(g *APNsGateway) { g.probe = f }
}

func WithReconnectAttempts(n uint64) APNsOption {
	return func(g *APNsGateway) { g.reconnectAttempts = n }
}

// APNsGateway talks to Apple Push Notification service over HTTP/2.
type APNsGateway struct {
	cert              tls.Certificate
	host              string
	newClient         NewClientFunc
	probe             ProbeFunc
	reconnectAttempts uint64

	mu      sync.Mutex
	client  *http.Client
	service *apns.Service
}

func NewAPNsGateway(cert tls.Certificate, opts ...APNsOption) *APNsGateway {
	g := &APNsGateway{
		cert:              cert,
		host:              Development,
		newClient:         apns.NewClient,
		probe:             dialProbe,
		reconnectAttempts: defaultReconnectAttempts,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Connect opens the client and verifies the host accepts a TLS handshake
// with our certificate.
func (g *APNsGateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connectLocked(ctx)
}

func (g *APNsGateway) connectLocked(ctx context.Context) error {
	client, err := g.newClient(g.cert)
	if err != nil {
		return fmt.Errorf("create apns client: %w", err)
	}
	if err := g.probe(ctx, client, g.host); err != nil {
		client.CloseIdleConnections()
		return fmt.Errorf("connect to %s: %w", g.host, err)
	}
	g.client = client
	g.service = apns.NewService(client, g.host)
	utils.Logger.WithField("host", g.host).Debug("APNs gateway connected")
	return nil
}

// Reconnect drops the current connection and connects again, retrying with
// exponential backoff until the attempts are used up or ctx ends.
func (g *APNsGateway) Reconnect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dropLocked()
	attempt := 0
	op := func() error {
		attempt++
		err := g.connectLocked(ctx)
		if err != nil {
			utils.Logger.WithFields(logrus.Fields{
				"host":    g.host,
				"attempt": attempt,
			}).WithError(err).Warn("APNs reconnect attempt failed")
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.reconnectAttempts),
		ctx,
	)
	return backoff.Retry(op, policy)
}

func (g *APNsGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropLocked()
	return nil
}

func (g *APNsGateway) dropLocked() {
	if g.client != nil {
		g.client.CloseIdleConnections()
	}
	g.client = nil
	g.service = nil
}

// Send delivers one notification. A broken connection comes back as
// ErrNotConnected; a gateway rejection is an Outcome, not an error.
func (g *APNsGateway) Send(ctx context.Context, n Notification) (Outcome, error) {
	g.mu.Lock()
	svc := g.service
	g.mu.Unlock()
	if svc == nil {
		return Outcome{}, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	_, err := svc.Push(n.Token, &apns.Headers{Topic: n.Topic}, n.Payload)
	if err == nil {
		return Outcome{Accepted: true, Status: http.StatusOK}, nil
	}
	return classify(err)
}

func classify(err error) (Outcome, error) {
	var pushErr *apns.Error
	if !errors.As(err, &pushErr) {
		// transport level failure: the connection is gone
		return Outcome{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	switch pushErr.Reason {
	case apns.ErrIdleTimeout, apns.ErrShutdown:
		return Outcome{}, fmt.Errorf("%w: %v", ErrNotConnected, pushErr.Reason)
	}

	out := Outcome{Status: pushErr.Status, Reason: pushErr.Reason.Error()}
	switch pushErr.Reason {
	case apns.ErrUnregistered, apns.ErrBadDeviceToken, apns.ErrDeviceTokenNotForTopic:
		since := pushErr.Timestamp
		if since.IsZero() {
			since = time.Now()
		}
		out.InvalidSince = &since
	}
	return out, nil
}

// dialProbe performs a TLS handshake against the host with the client's
// certificates.
func dialProbe(ctx context.Context, client *http.Client, host string) error {
	u, err := url.Parse(host)
	if err != nil {
		return err
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "443")
	}

	var cfg *tls.Config
	if t, ok := client.Transport.(*http.Transport); ok && t.TLSClientConfig != nil {
		cfg = t.TLSClientConfig.Clone()
	}
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.Hostname()
	}

	d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: defaultDialTimeout}, Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
