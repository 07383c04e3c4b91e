package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// newExchangeServer serves the credential exchange and counts requests.
func newExchangeServer(t *testing.T, accessToken string, expiresIn int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)

		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q, want client_credentials", got)
		}
		if got := r.PostForm.Get("client_id"); got != "test-id" {
			t.Errorf("client_id = %q, want test-id", got)
		}

		fmt.Fprintf(w, `{"token_type":"Bearer","access_token":%q,"expires_in":%d,"scope":"speech"}`,
			accessToken, expiresIn)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newManager(endpoint, scratch string) *Manager {
	return &Manager{
		Endpoint:     endpoint,
		ClientID:     "test-id",
		ClientSecret: "test-secret",
		Scope:        "speech",
		ScratchPath:  scratch,
	}
}

func TestBearer_PreservesReservedCharacters(t *testing.T) {
	// Opaque tokens commonly carry /, + and =. The bearer value must keep
	// them verbatim; escaping happens once, at request assembly.
	server, _ := newExchangeServer(t, "abc/def+ghi==", 600)
	m := newManager(server.URL, filepath.Join(t.TempDir(), "token.scratch"))

	bearer, err := m.Bearer(context.Background())
	if err != nil {
		t.Fatalf("Bearer failed: %v", err)
	}

	want := "Bearer abc/def+ghi=="
	if bearer != want {
		t.Errorf("bearer = %q, want %q", bearer, want)
	}
}

func TestBearer_ReusesValidToken(t *testing.T) {
	server, calls := newExchangeServer(t, "reuse-me", 600)
	scratch := filepath.Join(t.TempDir(), "token.scratch")

	// First session fetches.
	first := newManager(server.URL, scratch)
	if _, err := first.Bearer(context.Background()); err != nil {
		t.Fatalf("first Bearer failed: %v", err)
	}

	// Second session, same scratch file, inside validity: no second call.
	second := newManager(server.URL, scratch)
	bearer, err := second.Bearer(context.Background())
	if err != nil {
		t.Fatalf("second Bearer failed: %v", err)
	}
	if bearer != "Bearer reuse-me" {
		t.Errorf("bearer = %q, want Bearer reuse-me", bearer)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("exchange calls = %d, want 1", got)
	}
}

func TestBearer_RefreshesExpiredToken(t *testing.T) {
	server, calls := newExchangeServer(t, "fresh", 600)
	scratch := filepath.Join(t.TempDir(), "token.scratch")

	// A persisted record whose expiry is in the past.
	stale := fmt.Sprintf("expire:%d\ntoken:Bearer stale\n", time.Now().Add(-time.Hour).Unix())
	if err := os.WriteFile(scratch, []byte(stale), 0o600); err != nil {
		t.Fatalf("seeding scratch file: %v", err)
	}

	m := newManager(server.URL, scratch)
	bearer, err := m.Bearer(context.Background())
	if err != nil {
		t.Fatalf("Bearer failed: %v", err)
	}
	if bearer != "Bearer fresh" {
		t.Errorf("bearer = %q, want Bearer fresh", bearer)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("exchange calls = %d, want exactly 1 refresh", got)
	}
}

func TestBearer_SafetyMargin(t *testing.T) {
	server, calls := newExchangeServer(t, "fresh", 600)
	scratch := filepath.Join(t.TempDir(), "token.scratch")

	// Still technically valid, but inside the safety margin.
	almost := fmt.Sprintf("expire:%d\ntoken:Bearer almost\n", time.Now().Add(5*time.Second).Unix())
	if err := os.WriteFile(scratch, []byte(almost), 0o600); err != nil {
		t.Fatalf("seeding scratch file: %v", err)
	}

	m := newManager(server.URL, scratch)
	bearer, err := m.Bearer(context.Background())
	if err != nil {
		t.Fatalf("Bearer failed: %v", err)
	}
	if bearer != "Bearer fresh" {
		t.Errorf("bearer = %q, want a refreshed token", bearer)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("exchange calls = %d, want 1", got)
	}
}

func TestBearer_PersistsRecord(t *testing.T) {
	server, _ := newExchangeServer(t, "persist-me", 600)
	scratch := filepath.Join(t.TempDir(), "token.scratch")

	m := newManager(server.URL, scratch)
	if _, err := m.Bearer(context.Background()); err != nil {
		t.Fatalf("Bearer failed: %v", err)
	}

	data, err := os.ReadFile(scratch)
	if err != nil {
		t.Fatalf("reading scratch file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "expire:") || !strings.Contains(content, "token:Bearer persist-me") {
		t.Errorf("scratch file content %q missing expire/token lines", content)
	}
}

func TestBearer_UnwritableScratchIsNonFatal(t *testing.T) {
	server, calls := newExchangeServer(t, "memory-only", 600)

	m := newManager(server.URL, filepath.Join(t.TempDir(), "no", "such", "dir", "token"))
	if _, err := m.Bearer(context.Background()); err != nil {
		t.Fatalf("Bearer failed despite best-effort persistence: %v", err)
	}

	// Second call on the same manager reuses the in-memory token.
	if _, err := m.Bearer(context.Background()); err != nil {
		t.Fatalf("second Bearer failed: %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("exchange calls = %d, want 1 (in-memory reuse)", got)
	}
}

func TestBearer_ExchangeFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error status", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "denied", http.StatusForbidden)
		}},
		{"unparseable body", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "not json")
		}},
		{"missing access_token", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"token_type":"Bearer","expires_in":600}`)
		}},
		{"bad expires_in", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"access_token":"x","expires_in":-1}`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			m := newManager(server.URL, "")
			bearer, err := m.Bearer(context.Background())
			if !errors.Is(err, ErrToken) {
				t.Fatalf("err = %v, want ErrToken", err)
			}
			if bearer != "" {
				t.Errorf("bearer = %q, want empty on failure", bearer)
			}
		})
	}
}

func TestParseRecord_Malformed(t *testing.T) {
	tests := []string{
		"",
		"expire:notanumber\ntoken:Bearer x\n",
		"token:Bearer x\n",
		"expire:123\n",
	}
	for _, data := range tests {
		if _, err := parseRecord(data); err == nil {
			t.Errorf("parseRecord(%q) succeeded, want error", data)
		}
	}
}
