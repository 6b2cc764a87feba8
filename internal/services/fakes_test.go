package services

import (
	"context"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/push"
	"github.com/poofware/wallet-service/internal/repositories"
)

const testPassType = "pass.com.example.ticket"

// -----------------------------------------------------------------------------
// Push gateway
// -----------------------------------------------------------------------------

type sendResult struct {
	out push.Outcome
	err error
}

// scriptedGateway replays per-token results in order; the last result for a
// token repeats. Unknown tokens are accepted.
type scriptedGateway struct {
	mu           sync.Mutex
	connectErr   error
	reconnectErr error
	script       map[string][]sendResult
	sent         []string

	// when set, Send blocks until release is closed
	started chan struct{}
	release chan struct{}

	connects   atomic.Int32
	reconnects atomic.Int32
	closes     atomic.Int32
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{script: map[string][]sendResult{}}
}

func (g *scriptedGateway) on(token string, results ...sendResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script[token] = append(g.script[token], results...)
}

func (g *scriptedGateway) Connect(context.Context) error {
	g.connects.Add(1)
	return g.connectErr
}

func (g *scriptedGateway) Reconnect(context.Context) error {
	g.reconnects.Add(1)
	return g.reconnectErr
}

func (g *scriptedGateway) Close() error {
	g.closes.Add(1)
	return nil
}

func (g *scriptedGateway) Send(_ context.Context, n push.Notification) (push.Outcome, error) {
	if g.release != nil {
		select {
		case g.started <- struct{}{}:
		default:
		}
		<-g.release
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, n.Token)
	results := g.script[n.Token]
	if len(results) == 0 {
		return push.Outcome{Accepted: true, Status: 200}, nil
	}
	r := results[0]
	if len(results) > 1 {
		g.script[n.Token] = results[1:]
	}
	return r.out, r.err
}

func (g *scriptedGateway) sentTokens() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

func accepted() sendResult {
	return sendResult{out: push.Outcome{Accepted: true, Status: 200}}
}

func invalidToken() sendResult {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return sendResult{out: push.Outcome{Status: 410, Reason: "Unregistered", InvalidSince: &since}}
}

func rejectedNotInvalid() sendResult {
	return sendResult{out: push.Outcome{Status: 429, Reason: "TooManyRequests"}}
}

func notConnected() sendResult {
	return sendResult{err: push.ErrNotConnected}
}

// -----------------------------------------------------------------------------
// Registration store with a stable iteration order
// -----------------------------------------------------------------------------

type orderedStore struct {
	repositories.RegistrationStore
}

func (s orderedStore) AllRegistrations(ctx context.Context) iter.Seq2[models.Registration, error] {
	return func(yield func(models.Registration, error) bool) {
		var regs []models.Registration
		for r, err := range s.RegistrationStore.AllRegistrations(ctx) {
			if err != nil {
				yield(models.Registration{}, err)
				return
			}
			regs = append(regs, r)
		}
		sort.Slice(regs, func(i, j int) bool { return regs[i].SerialNumber < regs[j].SerialNumber })
		for _, r := range regs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Artifact builder
// -----------------------------------------------------------------------------

type countingBuilder struct {
	builds atomic.Int32
	err    error
}

func (b *countingBuilder) Build(_ context.Context, p *models.Pass) ([]byte, error) {
	b.builds.Add(1)
	if b.err != nil {
		return nil, b.err
	}
	return []byte(p.SerialNumber + "@" + p.ContentHash), nil
}

// -----------------------------------------------------------------------------
// Clock
// -----------------------------------------------------------------------------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
