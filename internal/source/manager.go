package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logx "siemalert/pkg/logx"
)

type ManagerConfig struct {
	URL                string
	Username           string
	Password           string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Manager is a Wazuh manager API client with JWT token auth. A 401 on a
// request triggers one re-authentication and a single retry.
type Manager struct {
	cfg    ManagerConfig
	client *http.Client
	log    logx.Logger

	mu    sync.Mutex
	token string
}

func NewManager(cfg ManagerConfig, log logx.Logger) (*Manager, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid manager url %q", cfg.URL)
	}
	cfg.URL = strings.TrimRight(u.String(), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout, cfg.InsecureSkipVerify),
		log:    log.Component("wazuh_manager"),
	}, nil
}

func (m *Manager) authenticate(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL+"/security/user/authenticate", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(m.cfg.Username, m.cfg.Password)
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnauthorized {
		return "", fmt.Errorf("authenticate: %w", ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("authenticate: %w", &StatusError{Status: resp.StatusCode, Body: snippet(raw)})
	}
	var body struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Data.Token == "" {
		return "", fmt.Errorf("authenticate: %w", ErrBadResponse)
	}
	m.mu.Lock()
	m.token = body.Data.Token
	m.mu.Unlock()
	m.log.Debug("manager token refreshed")
	return body.Data.Token, nil
}

func (m *Manager) currentToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	tok := m.token
	m.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	return m.authenticate(ctx)
}

// Get performs an authenticated GET and decodes the JSON reply into out.
func (m *Manager) Get(ctx context.Context, path string, out any) error {
	tok, err := m.currentToken(ctx)
	if err != nil {
		return err
	}
	status, raw, err := m.do(ctx, path, tok)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		if tok, err = m.authenticate(ctx); err != nil {
			return err
		}
		if status, raw, err = m.do(ctx, path, tok); err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return fmt.Errorf("%s: %w", path, ErrUnauthorized)
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%s: %w", path, &StatusError{Status: status, Body: snippet(raw)})
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: %w: %v", path, ErrBadResponse, err)
	}
	return nil
}

func (m *Manager) do(ctx context.Context, path, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.URL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	return resp.StatusCode, raw, err
}

// Ping checks manager reachability and credentials.
func (m *Manager) Ping(ctx context.Context) error {
	var info struct {
		Error int `json:"error"`
	}
	if err := m.Get(ctx, "/manager/info", &info); err != nil {
		return err
	}
	if info.Error != 0 {
		return errors.New("manager reported error")
	}
	return nil
}
