package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/agivox/internal/cache"
	"github.com/dgnsrekt/agivox/internal/format"
	"github.com/dgnsrekt/agivox/internal/token"
)

// Result is the terminal state of a session.
type Result int

const (
	// Completed means every segment streamed with no interrupt.
	Completed Result = iota

	// InterruptedEarly means a caller key ended the session before the
	// last segment.
	InterruptedEarly

	// Aborted means a fatal error ended the session.
	Aborted
)

// String returns the result name for logs.
func (r Result) String() string {
	switch r {
	case Completed:
		return "completed"
	case InterruptedEarly:
		return "interrupted"
	default:
		return "aborted"
	}
}

// Channel is the slice of the protocol adapter the controller drives.
// Satisfied by *agi.Conn.
type Channel interface {
	EnsureAnswered() error
	GetFullVariable(name string) (string, error)
	StreamFile(path, escapeKeys string) (rune, error)
	SetExtension(ext string) error
	SetPriority(priority int) error
	Verbose(msg string) error
}

// TokenSource yields a usable bearer value. Satisfied by *token.Manager.
type TokenSource interface {
	Bearer(ctx context.Context) (string, error)
}

// Synthesizer fetches compressed audio. Satisfied by *synth.Client.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language, bearer string) ([]byte, error)
}

// Transcoder converts compressed audio to the channel's raw format.
// Satisfied by *transcode.Transcoder.
type Transcoder interface {
	Transcode(ctx context.Context, mp3Path string, spec format.Spec, speed float64) (string, error)
}

// Store is the committed-audio cache. Satisfied by *cache.Store.
type Store interface {
	Lookup(key string) (string, bool)
	Commit(tempPath, key string) (string, error)
}

// StoreOpener builds the cache store once the audio format tag is known.
// Opening the store can only happen after format negotiation because the
// tag is part of every cached file name.
type StoreOpener func(tag string) (Store, error)

// Controller owns the per-segment pipeline and the lifecycle of every
// temporary file for the segment in flight. Temporary files are removed on
// every exit path: normal completion, fatal error, or cancellation.
type Controller struct {
	cfg       Config
	ch        Channel
	tokens    TokenSource
	synth     Synthesizer
	trans     Transcoder
	openStore StoreOpener

	// store is nil when caching is disabled for the session.
	store Store
}

// NewController wires a controller from its collaborators. A nil opener
// disables caching.
func NewController(cfg Config, ch Channel, tokens TokenSource, synth Synthesizer, trans Transcoder, openStore StoreOpener) *Controller {
	return &Controller{
		cfg:       cfg,
		ch:        ch,
		tokens:    tokens,
		synth:     synth,
		trans:     trans,
		openStore: openStore,
	}
}

// Run processes every segment of the configured text in order. Any protocol,
// fetch, token or transcode failure aborts the whole session; an interrupt
// key ends it early after redirecting the dialplan.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	if err := c.ch.EnsureAnswered(); err != nil {
		return Aborted, c.fatal(err)
	}

	spec, err := format.Negotiate(c.cfg.SampleRate, c.ch)
	if err != nil {
		return Aborted, c.fatal(err)
	}
	log.Debug("Audio format resolved", "tag", spec.Tag, "rate", spec.Rate)
	c.diag(fmt.Sprintf("agivox: format %s (%d Hz)", spec.Tag, spec.Rate))

	if c.openStore != nil {
		store, err := c.openStore(spec.Tag)
		if err != nil {
			// An unusable cache degrades the session, it never kills it.
			log.Warn("Caching disabled for this session", "error", err)
			c.diag("agivox: caching disabled: " + err.Error())
		} else {
			c.store = store
		}
	}

	segments := Segment(c.cfg.Text)
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return Aborted, c.fatal(fmt.Errorf("session cancelled: %w", err))
		}

		key, err := c.playSegment(ctx, seg, spec)
		if err != nil {
			return Aborted, c.fatal(fmt.Errorf("segment %d/%d: %w", i+1, len(segments), err))
		}
		if key != 0 {
			log.Info("Playback interrupted", "key", string(key), "segment", i+1)
			if err := c.ch.SetExtension(string(key)); err != nil {
				return Aborted, c.fatal(err)
			}
			if err := c.ch.SetPriority(1); err != nil {
				return Aborted, c.fatal(err)
			}
			return InterruptedEarly, nil
		}
	}
	return Completed, nil
}

// playSegment runs one segment through the cache-or-synthesize pipeline and
// streams it. It returns the interrupt key pressed during streaming, or 0.
func (c *Controller) playSegment(ctx context.Context, seg string, spec format.Spec) (rune, error) {
	key := cache.Key(seg, c.cfg.Language, c.cfg.Speed)

	if c.store != nil {
		if path, ok := c.store.Lookup(key); ok {
			c.diag("agivox: cache hit")
			return c.ch.StreamFile(stripExt(path), c.cfg.InterruptKeys)
		}
	}
	c.diag("agivox: cache miss, synthesizing")

	bearer, err := c.tokens.Bearer(ctx)
	if err != nil {
		return 0, err
	}
	if bearer == "" {
		return 0, fmt.Errorf("%w: empty bearer", token.ErrToken)
	}

	audio, err := c.synth.Synthesize(ctx, seg, c.cfg.Language, bearer)
	if err != nil {
		return 0, err
	}

	// Every temporary file for this segment is tracked here; removal runs
	// on all exit paths.
	guard := newTempGuard()
	defer guard.removeAll()

	mp3Path, err := c.writeTemp(audio)
	if err != nil {
		return 0, err
	}
	guard.add(mp3Path)

	rawPath, err := c.trans.Transcode(ctx, mp3Path, spec, c.cfg.Speed)
	if err != nil {
		return 0, err
	}
	guard.add(rawPath)

	pressed, err := c.ch.StreamFile(stripExt(rawPath), c.cfg.InterruptKeys)
	if err != nil {
		return 0, err
	}

	if c.store != nil {
		if _, err := c.store.Commit(rawPath, key); err != nil {
			// A failed commit degrades to a throwaway temp file.
			log.Warn("Cache commit failed", "key", key, "error", err)
		} else {
			guard.release(rawPath)
		}
	}
	return pressed, nil
}

// writeTemp stores the compressed audio in a fresh temporary file.
func (c *Controller) writeTemp(audio []byte) (string, error) {
	dir := c.cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "agivox-*.mp3")
	if err != nil {
		return "", fmt.Errorf("creating segment temp file: %w", err)
	}
	_, werr := f.Write(audio)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(f.Name())
		if werr == nil {
			werr = cerr
		}
		return "", fmt.Errorf("writing segment temp file: %w", werr)
	}
	return f.Name(), nil
}

// fatal mirrors a fatal condition into the channel trace before returning it.
func (c *Controller) fatal(err error) error {
	c.diag("agivox: fatal: " + err.Error())
	return err
}

// diag emits a diagnostic through the channel's no-op command when verbose
// is on. Diagnostics are best-effort: a failure here is logged but does not
// mask the condition being reported.
func (c *Controller) diag(msg string) {
	if !c.cfg.Verbose {
		return
	}
	if err := c.ch.Verbose(msg); err != nil {
		log.Debug("Channel diagnostic failed", "error", err)
	}
}

// stripExt drops the format extension; the channel resolves it from the
// negotiated format.
func stripExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// tempGuard tracks the temporary files of the segment in flight.
type tempGuard struct {
	paths []string
}

func newTempGuard() *tempGuard {
	return &tempGuard{}
}

func (g *tempGuard) add(path string) {
	g.paths = append(g.paths, path)
}

// release drops a path from the guard, transferring ownership (used after a
// successful cache commit).
func (g *tempGuard) release(path string) {
	for i, p := range g.paths {
		if p == path {
			g.paths = append(g.paths[:i], g.paths[i+1:]...)
			return
		}
	}
}

// removeAll deletes every tracked file, tolerating ones already gone.
func (g *tempGuard) removeAll() {
	for _, p := range g.paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Debug("Temp file not removed", "path", p, "error", err)
		}
	}
	g.paths = nil
}
