// Package push delivers "passes changed" notifications to devices.
package push

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected means the gateway connection is down. The caller may
// Reconnect and retry the same notification.
var ErrNotConnected = errors.New("push gateway not connected")

// Notification is one push to one device token.
type Notification struct {
	Token   string
	Topic   string
	Payload []byte
}

// Outcome is the gateway's answer for a delivered request.
type Outcome struct {
	Accepted bool
	Status   int
	Reason   string
	// InvalidSince is set when the gateway reports the token permanently
	// invalid.
	InvalidSince *time.Time
}

func (o Outcome) TokenInvalid() bool {
	return o.InvalidSince != nil
}

// Gateway is owned by a single dispatch run at a time.
type Gateway interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, n Notification) (Outcome, error)
	Reconnect(ctx context.Context) error
	Close() error
}

// EmptyPayload is the push-then-pull marker: the device learns only that
// something changed and asks the web service what.
var EmptyPayload = []byte(`{}`)
