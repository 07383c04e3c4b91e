// Package transcode turns the compressed synthesis output into the headerless
// raw format the channel streams, using the external mpg123 and sox tools.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/agivox/internal/format"
)

var (
	// ErrTranscode is returned when either external tool exits non-zero.
	// A broken local toolchain fails identically on retry, so callers
	// abort the session.
	ErrTranscode = errors.New("audio transcoding failed")

	// ErrToolMissing is returned by New when a required external tool is
	// not on the PATH. Fatal at session start.
	ErrToolMissing = errors.New("required external tool not found")
)

// speedDialect selects the resampler's argument form for a non-unity speed
// factor. Modern sox releases take a tempo effect; older ones only know
// stretch, with an inverted factor.
type speedDialect int

const (
	dialectTempo speedDialect = iota
	dialectStretch
)

// tempoEpoch is the first sox major version speaking the tempo dialect.
const tempoEpoch = 14

var soxVersionRe = regexp.MustCompile(`v(\d+)\.`)

// Transcoder runs the two-step decode/resample pipeline. The speed dialect
// is probed once at construction and held for the whole session.
type Transcoder struct {
	mpg123  string
	sox     string
	dialect speedDialect
}

// New resolves both tool paths (falling back to a PATH lookup when empty)
// and probes the resampler version to pick the speed dialect.
func New(ctx context.Context, mpg123Path, soxPath string) (*Transcoder, error) {
	mpg123, err := resolveTool(mpg123Path, "mpg123")
	if err != nil {
		return nil, err
	}
	sox, err := resolveTool(soxPath, "sox")
	if err != nil {
		return nil, err
	}

	t := &Transcoder{mpg123: mpg123, sox: sox, dialect: dialectTempo}
	if major, err := probeSoxVersion(ctx, sox); err != nil {
		log.Debug("Resampler version probe failed, assuming tempo dialect", "error", err)
	} else if major < tempoEpoch {
		t.dialect = dialectStretch
		log.Debug("Legacy resampler detected, using stretch dialect", "major", major)
	}
	return t, nil
}

func resolveTool(configured, name string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("%w: %s (%v)", ErrToolMissing, configured, err)
		}
		return configured, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolMissing, name)
	}
	return path, nil
}

// probeSoxVersion extracts the major version from "sox --version" output,
// which looks like "sox: SoX v14.4.2".
func probeSoxVersion(ctx context.Context, sox string) (int, error) {
	out, err := exec.CommandContext(ctx, sox, "--version").CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("running %s --version: %w", sox, err)
	}
	m := soxVersionRe.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("unrecognized version output %q", strings.TrimSpace(string(out)))
	}
	major, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, err
	}
	return major, nil
}

// Transcode decodes the compressed file at mp3Path to an intermediate mono
// 16-bit waveform, then resamples it to the target rate as a headerless raw
// file named after the format tag. The intermediate waveform is removed
// after the second step regardless of its outcome. The returned raw path is
// owned by the caller.
func (t *Transcoder) Transcode(ctx context.Context, mp3Path string, spec format.Spec, speed float64) (string, error) {
	base := strings.TrimSuffix(mp3Path, filepath.Ext(mp3Path))
	wavPath := base + ".wav"
	rawPath := base + "." + spec.Tag

	if err := t.run(ctx, t.mpg123, "-q", "-w", wavPath, mp3Path); err != nil {
		_ = os.Remove(wavPath)
		return "", err
	}

	args := []string{"-q", wavPath, "-r", strconv.Itoa(spec.Rate), "-t", "raw", rawPath}
	args = append(args, t.speedArgs(speed)...)

	err := t.run(ctx, t.sox, args...)
	if rmErr := os.Remove(wavPath); rmErr != nil {
		log.Debug("Intermediate waveform not removed", "path", wavPath, "error", rmErr)
	}
	if err != nil {
		_ = os.Remove(rawPath)
		return "", err
	}
	return rawPath, nil
}

// speedArgs builds the resampler effect arguments for the speed factor in
// the probed dialect. Unity speed needs no effect.
func (t *Transcoder) speedArgs(speed float64) []string {
	if speed == 1.0 {
		return nil
	}
	if t.dialect == dialectTempo {
		return []string{"tempo", "-s", strconv.FormatFloat(speed, 'f', 2, 64)}
	}
	return []string{"stretch", strconv.FormatFloat(1/speed, 'f', 2, 64)}
}

func (t *Transcoder) run(ctx context.Context, tool string, args ...string) error {
	cmd := exec.CommandContext(ctx, tool, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v (output: %s)",
			ErrTranscode, filepath.Base(tool), strings.Join(args, " "), err,
			strings.TrimSpace(string(out)))
	}
	return nil
}
