package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "siemalert/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore is a dependency-free persistence backend for single-process deployments.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.ledger.snapshot.json (periodic snapshot)
//   - <prefix>.ledger.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	state        ledgerState

	writes int
}

// ledgerState maps keys to unix milli timestamps.
type ledgerState struct {
	Sent    map[string]int64 `json:"sent"`
	Markers map[string]int64 `json:"markers"`
}

type journalRecord struct {
	Kind string `json:"k"` // "sent", "marker" or "unmarker"
	Key  string `json:"key"`
	At   int64  `json:"at"`
}

func newLedgerState() ledgerState {
	return ledgerState{Sent: map[string]int64{}, Markers: map[string]int64{}}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".ledger.snapshot.json"
	journalPath := prefix + ".ledger.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	state := newLedgerState()
	if err := loadSnapshot(snapPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger journal replay failed", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Debug("file store opened",
		logx.String("prefix", prefix),
		logx.Int("sent", len(state.Sent)),
		logx.Int("markers", len(state.Markers)),
	)
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        state,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutSent(_ context.Context, key SentKey, at, refreshBefore time.Time) (bool, error) {
	k := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return false, ErrClosed
	}
	if prev, ok := s.state.Sent[k]; ok && prev >= refreshBefore.UnixMilli() {
		return false, nil
	}
	ms := at.UnixMilli()
	if err := s.appendLocked(journalRecord{Kind: "sent", Key: k, At: ms}); err != nil {
		return false, err
	}
	s.state.Sent[k] = ms
	return true, nil
}

func (s *fileStore) GetSent(_ context.Context, key SentKey) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.state.Sent[key.String()]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) PutMarker(_ context.Context, configID, periodKey string, at time.Time) (bool, error) {
	k := markerKey(configID, periodKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return false, ErrClosed
	}
	if _, ok := s.state.Markers[k]; ok {
		return false, nil
	}
	ms := at.UnixMilli()
	if err := s.appendLocked(journalRecord{Kind: "marker", Key: k, At: ms}); err != nil {
		return false, err
	}
	s.state.Markers[k] = ms
	return true, nil
}

func (s *fileStore) HasMarker(_ context.Context, configID, periodKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return false, ErrClosed
	}
	_, ok := s.state.Markers[markerKey(configID, periodKey)]
	return ok, nil
}

func (s *fileStore) DeleteMarker(_ context.Context, configID, periodKey string) error {
	k := markerKey(configID, periodKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, ok := s.state.Markers[k]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Kind: "unmarker", Key: k}); err != nil {
		return err
	}
	delete(s.state.Markers, k)
	return nil
}

func (s *fileStore) Prune(_ context.Context, sentBefore, markersBefore time.Time) (PruneResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return PruneResult{}, ErrClosed
	}
	res := pruneState(&s.state, sentBefore.UnixMilli(), markersBefore.UnixMilli())
	if err := s.compactLocked(); err != nil {
		return res, err
	}
	return res, nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func pruneState(st *ledgerState, sentBefore, markersBefore int64) PruneResult {
	var res PruneResult
	for k, v := range st.Sent {
		if v < sentBefore {
			delete(st.Sent, k)
			res.Sent++
		}
	}
	for k, v := range st.Markers {
		if v < markersBefore {
			delete(st.Markers, k)
			res.Markers++
		}
	}
	return res
}

func loadSnapshot(path string, out *ledgerState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st ledgerState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Sent {
		out.Sent[k] = v
	}
	for k, v := range st.Markers {
		out.Markers[k] = v
	}
	return nil
}

func replayJournal(path string, out *ledgerState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Kind {
		case "sent":
			if r.Key != "" {
				out.Sent[r.Key] = r.At
			}
		case "marker":
			if r.Key != "" {
				out.Markers[r.Key] = r.At
			}
		case "unmarker":
			delete(out.Markers, r.Key)
		}
	}
	return sc.Err()
}
