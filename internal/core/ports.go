package core

import (
	"context"
	"errors"
	"time"
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// LastWindow returns the window of length d ending at end.
func LastWindow(end time.Time, d time.Duration) Window {
	return Window{Start: end.Add(-d), End: end}
}

// SearchQuery selects alerts by tier and time window.
type SearchQuery struct {
	Severities []Severity
	Window     Window
	Limit      int
}

type SearchResult struct {
	Alerts []Alert
	Total  int // total hits reported by the source; may exceed len(Alerts)
}

// AlertSource is the security-event store.
type AlertSource interface {
	Search(ctx context.Context, q SearchQuery) (SearchResult, error)
}

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is one outgoing notification fanned out to every recipient.
type Message struct {
	Recipients  []string
	Subject     string
	Body        string
	HTML        bool
	Attachments []Attachment
	// Tag identifies the producer (e.g. "alert:<config id>") for logs and events.
	Tag string
}

// RecipientResult is the delivery outcome for a single recipient.
type RecipientResult struct {
	Recipient string
	Channel   string
	Attempts  int
	Err       error
}

func (r RecipientResult) OK() bool { return r.Err == nil }

type DeliveryReport struct {
	Results []RecipientResult
}

func (r DeliveryReport) Delivered() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

func (r DeliveryReport) Failed() []RecipientResult {
	var out []RecipientResult
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// AnyDelivered reports whether at least one recipient accepted the message.
func (r DeliveryReport) AnyDelivered() bool { return r.Delivered() > 0 }

// Err joins every per-recipient error, or returns nil when all succeeded.
func (r DeliveryReport) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, res.Err)
	}
	return errors.Join(errs...)
}

// Notifier delivers messages. A non-nil error means nothing was attempted;
// per-recipient failures are reported in the DeliveryReport.
type Notifier interface {
	Send(ctx context.Context, msg Message) (DeliveryReport, error)
}

// ConfigStore is the read-only view of configurations and runtime parameters.
type ConfigStore interface {
	ListEnabledAlertConfigs(ctx context.Context) ([]AlertingConfiguration, error)
	ListEnabledReportConfigs(ctx context.Context) ([]ReportConfiguration, error)
	// GetRuntimeParam returns def when the key is unset.
	GetRuntimeParam(ctx context.Context, key, def string) (string, error)
}

// Renderer turns alerts into something a Notifier can carry.
type Renderer interface {
	RenderAlertDigest(cfg AlertingConfiguration, alerts []Alert, window Window) (subject, body string, err error)
	RenderReport(cfg ReportConfiguration, alerts []Alert, window Window) (subject, body string, att Attachment, err error)
}
