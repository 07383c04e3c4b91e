// Package token obtains and persists the short-lived bearer credential for
// the remote synthesis API.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"
)

// ErrToken is returned when the credential exchange fails or produces an
// unparseable body. The playback controller turns an unusable token into a
// fatal session abort.
var ErrToken = errors.New("token exchange failed")

const (
	// safetyMargin is subtracted from the stored expiry: a token this close
	// to expiring is refreshed rather than used.
	safetyMargin = 10 * time.Second

	exchangeTimeout = 15 * time.Second

	filePermissions = 0o600
)

// Manager exchanges client credentials for a bearer token and caches the
// result in a scratch file shared between invocations on the same host.
// Concurrent sessions may read and refresh the same file; the critical
// section is guarded by an advisory lock, and a lost race simply costs one
// extra exchange.
type Manager struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	Scope        string

	// ScratchPath is the shared persistence file. Empty disables
	// persistence and the manager works purely in memory.
	ScratchPath string

	// HTTP is the client used for the exchange. Defaults to a client with
	// a bounded timeout.
	HTTP *http.Client

	// now is swappable for tests.
	now func() time.Time

	// In-memory fallback when the scratch location is unavailable.
	memToken  string
	memExpire time.Time
}

// record is a parsed scratch file: expiry timestamp plus bearer value.
type record struct {
	expire time.Time
	token  string
}

// exchangeResponse is the JSON body of a successful credential exchange.
type exchangeResponse struct {
	TokenType   string      `json:"token_type"`
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
	Scope       string      `json:"scope"`
}

// Bearer returns a usable bearer value, refreshing the underlying token
// first when the persisted one is absent or inside the safety margin of its
// expiry. The returned value is the raw token behind the scheme prefix the
// synthesis API expects; query escaping is the request assembler's job.
func (m *Manager) Bearer(ctx context.Context) (string, error) {
	if m.now == nil {
		m.now = time.Now
	}

	unlock := m.lockScratch()
	defer unlock()

	if rec, ok := m.load(); ok && m.now().Before(rec.expire.Add(-safetyMargin)) {
		log.Debug("Reusing persisted token", "expire", rec.expire)
		return rec.token, nil
	}

	bearer, expire, err := m.exchange(ctx)
	if err != nil {
		return "", err
	}

	m.store(record{expire: expire, token: bearer})
	return bearer, nil
}

// exchange performs the client-credentials POST and returns the bearer value
// plus its absolute expiry.
func (m *Manager) exchange(ctx context.Context) (string, time.Time, error) {
	httpClient := m.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: exchangeTimeout}
	}

	form := url.Values{
		"client_id":     {m.ClientID},
		"client_secret": {m.ClientSecret},
		"scope":         {m.Scope},
		"grant_type":    {"client_credentials"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrToken, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrToken, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: reading response: %v", ErrToken, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("%w: HTTP status %d", ErrToken, resp.StatusCode)
	}

	var parsed exchangeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: unparseable body: %v", ErrToken, err)
	}
	if parsed.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: response carries no access_token", ErrToken)
	}

	lifetime, err := parsed.ExpiresIn.Int64()
	if err != nil || lifetime <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: bad expires_in %q", ErrToken, parsed.ExpiresIn)
	}

	expire := m.now().Add(time.Duration(lifetime) * time.Second)
	// The token stays raw here; the synthesis client escapes it exactly once
	// when it assembles the request query.
	bearer := "Bearer " + parsed.AccessToken
	log.Debug("Token refreshed", "expire", expire, "scope", parsed.Scope)

	return bearer, expire, nil
}

// lockScratch takes the advisory lock on the scratch file, returning the
// release func. Lock failures are tolerated: the worst case is a redundant
// exchange, which the API handles fine.
func (m *Manager) lockScratch() func() {
	if m.ScratchPath == "" {
		return func() {}
	}
	lock := flock.New(m.ScratchPath + ".lock")
	if err := lock.Lock(); err != nil {
		log.Debug("Token scratch lock unavailable", "error", err)
		return func() {}
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			log.Debug("Token scratch unlock failed", "error", err)
		}
	}
}

// load reads the persisted record, falling back to the in-memory copy.
func (m *Manager) load() (record, bool) {
	if m.ScratchPath == "" {
		return record{expire: m.memExpire, token: m.memToken}, m.memToken != ""
	}

	data, err := os.ReadFile(m.ScratchPath)
	if err != nil {
		if m.memToken != "" {
			return record{expire: m.memExpire, token: m.memToken}, true
		}
		return record{}, false
	}

	rec, err := parseRecord(string(data))
	if err != nil {
		log.Debug("Ignoring malformed token scratch file", "error", err)
		return record{}, false
	}
	return rec, true
}

// store persists the record best-effort; when the scratch location is
// unavailable the manager keeps working in memory for the session.
func (m *Manager) store(rec record) {
	m.memToken = rec.token
	m.memExpire = rec.expire

	if m.ScratchPath == "" {
		return
	}
	data := fmt.Sprintf("expire:%d\ntoken:%s\n", rec.expire.Unix(), rec.token)
	if err := os.WriteFile(m.ScratchPath, []byte(data), filePermissions); err != nil {
		log.Warn("Token scratch file not writable, continuing in memory", "error", err)
	}
}

// parseRecord parses the two-line "expire:<unix>" / "token:<bearer>" format.
func parseRecord(data string) (record, error) {
	var rec record
	for _, line := range strings.Split(data, "\n") {
		name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		switch name {
		case "expire":
			unix, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return record{}, fmt.Errorf("bad expire value %q", value)
			}
			rec.expire = time.Unix(unix, 0)
		case "token":
			rec.token = value
		}
	}
	if rec.token == "" || rec.expire.IsZero() {
		return record{}, errors.New("incomplete token record")
	}
	return rec, nil
}
