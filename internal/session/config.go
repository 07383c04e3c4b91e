// Package session orchestrates one playback session: it segments the input
// text and drives each segment through cache, synthesis, transcoding and
// channel streaming.
package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrConfiguration is returned for invalid session parameters: missing
// credentials, a bad language or speed, or an unusable text. Always fatal at
// session start, never retried.
var ErrConfiguration = errors.New("invalid session configuration")

// Speed factor bounds accepted by the resampler effects.
const (
	minSpeed = 0.5
	maxSpeed = 2.0
)

var languageRe = regexp.MustCompile(`^[a-z]{2,3}(-[a-zA-Z]{2,})?$`)

// Config is the immutable session configuration, constructed once at
// startup and passed to every component. No component reads ambient process
// state directly.
type Config struct {
	// Text is the sanitized input to speak.
	Text string

	// Language is the synthesis language code, e.g. "en" or "en-US".
	Language string

	// Speed is the playback speed factor, 1.0 for unchanged.
	Speed float64

	// SampleRate is the explicit channel rate; 0 negotiates from the
	// channel's native format.
	SampleRate int

	// InterruptKeys are the keys that may break out of playback, in the
	// channel's escape-digit syntax (e.g. "0123456789*#", or "" for none).
	InterruptKeys string

	// CacheDir is where transcoded segments are stored. Empty disables
	// caching.
	CacheDir string

	// TempDir holds in-flight segment files. Defaults to the OS temp dir.
	TempDir string

	// External tool paths; empty means a PATH lookup.
	Mpg123Path string
	SoxPath    string

	// Remote endpoints and credentials.
	SpeechEndpoint string
	TokenEndpoint  string
	ClientID       string
	ClientSecret   string
	Scope          string

	// TokenScratchPath is the shared token persistence file. Empty keeps
	// tokens in memory only.
	TokenScratchPath string

	// Verbose mirrors diagnostics into the channel controller's traces.
	Verbose bool
}

// Validate checks the parameters that are fatal at session start.
func (c Config) Validate() error {
	if c.Text == "" {
		return fmt.Errorf("%w: no text to speak", ErrConfiguration)
	}
	if !languageRe.MatchString(c.Language) {
		return fmt.Errorf("%w: bad language code %q", ErrConfiguration, c.Language)
	}
	if c.Speed < minSpeed || c.Speed > maxSpeed {
		return fmt.Errorf("%w: speed %.2f outside [%.1f, %.1f]",
			ErrConfiguration, c.Speed, minSpeed, maxSpeed)
	}
	if c.SpeechEndpoint == "" || c.TokenEndpoint == "" {
		return fmt.Errorf("%w: missing API endpoint", ErrConfiguration)
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("%w: missing API credentials", ErrConfiguration)
	}
	return nil
}
