package ledger

import (
	"context"
	"time"

	"siemalert/internal/storage"
	logx "siemalert/pkg/logx"
)

// Markers records which report periods have been handled.
type Markers struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewMarkers(store storage.Store, log logx.Logger) *Markers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Markers{store: store, log: log.Component("markers"), now: time.Now}
}

// AlreadySent reports whether a marker exists for (configID, periodKey).
func (m *Markers) AlreadySent(ctx context.Context, configID, periodKey string) (bool, error) {
	return m.store.HasMarker(ctx, configID, periodKey)
}

// Claim writes the marker before a report is sent. It returns false when
// another run already holds the period.
func (m *Markers) Claim(ctx context.Context, configID, periodKey string) (bool, error) {
	ok, err := m.store.PutMarker(ctx, configID, periodKey, m.now())
	if err != nil {
		return false, err
	}
	if !ok {
		m.log.Debug("report period already claimed", logx.String("config_id", configID), logx.String("period", periodKey))
	}
	return ok, nil
}

// Release drops a claim whose report was never attempted, so the next tick
// can retry the period.
func (m *Markers) Release(ctx context.Context, configID, periodKey string) error {
	return m.store.DeleteMarker(ctx, configID, periodKey)
}
