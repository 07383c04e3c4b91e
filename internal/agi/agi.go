// Package agi implements the line-oriented channel control protocol used to
// drive an in-progress call. One command goes out per line, one status-coded
// reply comes back per command.
package agi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"
)

// ErrProtocol is returned when the channel controller answers with anything
// other than the expected "200 result=<int> [payload]" shape. The channel is
// assumed to be torn down at that point, so callers should not retry.
var ErrProtocol = errors.New("unexpected channel controller response")

// Channel status codes as reported by CHANNEL STATUS.
const (
	StatusUp = 4
)

// resyncPrefix marks a multi-line usage-error reply. The controller emits a
// second line after it, which must be consumed before reporting the failure
// or the stream stays misaligned for the next command. This is a narrow
// workaround for that one reply shape and is deliberately not generalized.
const resyncPrefix = "520-"

// Reply is a parsed controller response.
type Reply struct {
	// Result is the numeric result code from the reply.
	Result int

	// Payload is everything after the result code, with surrounding
	// parentheses stripped. May be empty.
	Payload string
}

// Conn drives the channel controller over a reader/writer pair. In
// production both sides are the pipes the controller attached to this
// process; tests substitute in-memory buffers.
type Conn struct {
	r *bufio.Reader
	w io.Writer

	// Env holds the session preamble variables sent by the controller
	// before the first command, keyed without the "agi_" prefix.
	Env map[string]string
}

// New creates a connection over the given reader and writer.
func New(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		r:   bufio.NewReader(r),
		w:   w,
		Env: make(map[string]string),
	}
}

// ReadEnv consumes the "agi_name: value" preamble block the controller sends
// at session start, up to the first empty line. It must be called once,
// before any command.
func (c *Conn) ReadEnv() error {
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading session preamble: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return nil
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			name, value, _ = strings.Cut(line, ":")
		}
		name = strings.TrimPrefix(name, "agi_")
		c.Env[name] = value
	}
}

// Command sends a single command line and parses the single reply line.
func (c *Conn) Command(format string, args ...interface{}) (Reply, error) {
	cmd := fmt.Sprintf(format, args...)
	log.Debug("Channel command", "cmd", cmd)

	if _, err := fmt.Fprintf(c.w, "%s\n", cmd); err != nil {
		return Reply{}, fmt.Errorf("writing channel command: %w", err)
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		return Reply{}, fmt.Errorf("reading channel reply: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	log.Debug("Channel reply", "line", line)

	reply, perr := parseReply(line)
	if perr != nil {
		if strings.HasPrefix(line, resyncPrefix) {
			// Swallow the trailing usage line to resynchronize.
			if _, rerr := c.r.ReadString('\n'); rerr != nil {
				return Reply{}, fmt.Errorf("%w: %q (resync read failed: %v)", ErrProtocol, line, rerr)
			}
		}
		return Reply{}, perr
	}
	return reply, nil
}

// parseReply parses a "200 result=<int> [payload]" line.
func parseReply(line string) (Reply, error) {
	rest, ok := strings.CutPrefix(line, "200 result=")
	if !ok {
		return Reply{}, fmt.Errorf("%w: %q", ErrProtocol, line)
	}

	numStr, payload, _ := strings.Cut(rest, " ")
	result, err := strconv.Atoi(numStr)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %q", ErrProtocol, line)
	}

	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "(") && strings.HasSuffix(payload, ")") {
		payload = payload[1 : len(payload)-1]
	}

	return Reply{Result: result, Payload: payload}, nil
}

// ChannelStatus returns the current channel status code.
func (c *Conn) ChannelStatus() (int, error) {
	reply, err := c.Command("CHANNEL STATUS")
	if err != nil {
		return 0, err
	}
	return reply.Result, nil
}

// Answer asks the controller to answer the channel. A non-zero result is a
// protocol-level failure.
func (c *Conn) Answer() error {
	reply, err := c.Command("ANSWER")
	if err != nil {
		return err
	}
	if reply.Result != 0 {
		return fmt.Errorf("%w: ANSWER returned result=%d", ErrProtocol, reply.Result)
	}
	return nil
}

// EnsureAnswered answers the channel unless it is already up.
func (c *Conn) EnsureAnswered() error {
	status, err := c.ChannelStatus()
	if err != nil {
		return err
	}
	if status == StatusUp {
		return nil
	}
	return c.Answer()
}

// StreamFile streams the audio file at path (without its format extension)
// to the channel, allowing the caller to break out with any of escapeKeys.
// It returns the pressed interrupt key, or 0 when playback ran to the end.
func (c *Conn) StreamFile(path, escapeKeys string) (rune, error) {
	reply, err := c.Command("STREAM FILE %s %q", path, escapeKeys)
	if err != nil {
		return 0, err
	}
	if reply.Result < 0 {
		return 0, fmt.Errorf("%w: STREAM FILE returned result=%d", ErrProtocol, reply.Result)
	}
	if reply.Result < 32 {
		return 0, nil
	}
	key := rune(reply.Result)
	if unicode.IsLetter(key) || unicode.IsDigit(key) || key == '*' || key == '#' {
		return key, nil
	}
	return 0, nil
}

// SetExtension redirects dialplan execution to the given extension.
func (c *Conn) SetExtension(ext string) error {
	_, err := c.Command("SET EXTENSION %s", ext)
	return err
}

// SetPriority sets the dialplan priority to resume at.
func (c *Conn) SetPriority(priority int) error {
	_, err := c.Command("SET PRIORITY %d", priority)
	return err
}

// GetFullVariable evaluates the named channel variable and returns its value.
func (c *Conn) GetFullVariable(name string) (string, error) {
	reply, err := c.Command("GET FULL VARIABLE ${%s}", name)
	if err != nil {
		return "", err
	}
	return reply.Payload, nil
}

// Verbose emits a diagnostic no-op message visible in the controller's
// traces. Protocol failures here still surface, they are never swallowed.
func (c *Conn) Verbose(msg string) error {
	_, err := c.Command("NOOP %q", msg)
	return err
}
