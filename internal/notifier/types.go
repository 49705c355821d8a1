package notifier

import (
	"context"
	"errors"
	"time"

	"siemalert/internal/core"
)

var (
	ErrDisabled     = errors.New("notifier disabled")
	ErrNoRecipients = errors.New("no recipients")
	ErrNoChannel    = errors.New("no channel for recipient")
	ErrRateLimited  = errors.New("rate limited by remote")
)

// Config controls delivery.
type Config struct {
	Enabled       bool
	Concurrency   int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

// Channel delivers a message to one recipient of a given kind.
type Channel interface {
	Name() string
	// Accepts reports whether the channel handles this recipient address.
	Accepts(recipient string) bool
	Send(ctx context.Context, recipient string, msg core.Message) error
}

type HistoryItem struct {
	At        time.Time `json:"at"`
	Tag       string    `json:"tag,omitempty"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
}

// DeliveryEvent is emitted on the event bus for every recipient outcome.
type DeliveryEvent struct {
	Tag       string    `json:"tag,omitempty"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the service does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
