// Package synth fetches compressed speech audio from the remote synthesis
// HTTP API.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// ErrFetch is returned when the synthesis call fails or the service answers
// with a non-success status. A failed synthesis usually means a broken
// credential or an unreachable service that will not self-heal mid-session,
// so callers abort the session rather than retry per segment.
var ErrFetch = errors.New("speech synthesis request failed")

const (
	// requestTimeout bounds the single blocking synthesis call.
	requestTimeout = 15 * time.Second

	// defaultRequestsPerMinute throttles cache-miss bursts so rapid
	// sessions cannot hammer the remote API.
	defaultRequestsPerMinute = 50
)

// Client issues synthesis requests against a fixed speech endpoint.
type Client struct {
	// Endpoint is the speech API URL, without query parameters.
	Endpoint string

	// Format and Quality are passed through as output parameters.
	Format  string
	Quality string

	// HTTP is the underlying client. Defaults to one with requestTimeout.
	HTTP *http.Client

	limiter *rate.Limiter
}

// New creates a client for the given endpoint with the default output
// format, quality and rate limit.
func New(endpoint string) *Client {
	return &Client{
		Endpoint: endpoint,
		Format:   "audio/mp3",
		Quality:  "MaxQuality",
		HTTP:     &http.Client{Timeout: requestTimeout},
		limiter:  rate.NewLimiter(rate.Every(time.Minute/defaultRequestsPerMinute), 1),
	}
}

// Synthesize fetches the compressed audio for text in the given language,
// authenticated with the bearer value. It blocks for at most the request
// timeout and returns the raw response body on success.
func (c *Client) Synthesize(ctx context.Context, text, language, bearer string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetch, err)
		}
	}

	query := url.Values{
		"text":     {text},
		"language": {language},
		"format":   {c.Format},
		"options":  {c.Quality},
		"appid":    {bearer},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.Endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP status %d", ErrFetch, resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading audio body: %v", ErrFetch, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio body", ErrFetch)
	}

	log.Debug("Synthesis completed",
		"textLength", len(text),
		"audioBytes", len(audio),
		"duration", time.Since(start))

	return audio, nil
}
