package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Command is one keyboard action.
type Command int

const (
	// CmdToggleRecording starts or stops a conversation (enter).
	CmdToggleRecording Command = iota
	// CmdToggleMute mutes or unmutes the microphone (m).
	CmdToggleMute
	// CmdCancel cancels the current AI response (c).
	CmdCancel
	// CmdQuit disconnects and exits (q).
	CmdQuit
)

func (c Command) String() string {
	switch c {
	case CmdToggleRecording:
		return "toggle_recording"
	case CmdToggleMute:
		return "toggle_mute"
	case CmdCancel:
		return "cancel"
	case CmdQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// ParseCommand maps one input line to a Command.
func ParseCommand(line string) (Command, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return CmdToggleRecording, true
	case "m":
		return CmdToggleMute, true
	case "c":
		return CmdCancel, true
	case "q":
		return CmdQuit, true
	}
	return 0, false
}

// ReadCommands scans r line by line and emits the recognised commands. The
// channel is closed when r is exhausted or ctx ends.
func ReadCommands(ctx context.Context, r io.Reader) <-chan Command {
	out := make(chan Command)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			cmd, ok := ParseCommand(sc.Text())
			if !ok {
				continue
			}
			select {
			case out <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Console renders status, transcripts and the input meter as plain text
// lines. Safe for concurrent use.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	status string
}

// NewConsole writes to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Status prints s unless it repeats the current status.
func (c *Console) Status(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == c.status {
		return
	}
	c.status = s
	fmt.Fprintf(c.w, "[%s]\n", s)
}

// CurrentStatus returns the last status shown.
func (c *Console) CurrentStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Line prints a transcript line.
func (c *Console) Line(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, s)
}

// Help prints the key bindings.
func (c *Console) Help() {
	c.Line("enter: start/stop talking   m: mute   c: cancel response   q: quit")
}

const meterWidth = 30

// Meter prints a one-line input level bar.
func (c *Console) Meter(l audio.Level, muted bool) {
	n := min(meterWidth, int(l.Peak*meterWidth+0.5))
	bar := strings.Repeat("#", n) + strings.Repeat(".", meterWidth-n)
	label := "mic"
	if muted {
		label = "MUTED"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%-5s |%s| %.3f\n", label, bar, l.Peak)
}
