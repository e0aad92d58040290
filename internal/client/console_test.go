package client_test

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/voxbridge/internal/client"
	"github.com/MrWong99/voxbridge/pkg/audio"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want client.Command
		ok   bool
	}{
		{"", client.CmdToggleRecording, true},
		{"  ", client.CmdToggleRecording, true},
		{"m", client.CmdToggleMute, true},
		{"M", client.CmdToggleMute, true},
		{"c", client.CmdCancel, true},
		{"q\r", client.CmdQuit, true},
		{"x", 0, false},
	}
	for _, tt := range tests {
		got, ok := client.ParseCommand(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("ParseCommand(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestReadCommands(t *testing.T) {
	t.Parallel()

	var got []client.Command
	for cmd := range client.ReadCommands(context.Background(), strings.NewReader("\nm\nhello\nc\nq\n")) {
		got = append(got, cmd)
	}
	want := []client.Command{client.CmdToggleRecording, client.CmdToggleMute, client.CmdCancel, client.CmdQuit}
	if !slices.Equal(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestConsole(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := client.NewConsole(&buf)
	c.Status(client.StatusReady)
	c.Status(client.StatusReady)
	c.Line("AI: hi")
	c.Meter(audio.Level{Peak: 0.5}, true)

	out := buf.String()
	if n := strings.Count(out, client.StatusReady); n != 1 {
		t.Errorf("repeated status printed %d times, want 1", n)
	}
	if !strings.Contains(out, "AI: hi") {
		t.Errorf("missing transcript line: %q", out)
	}
	if !strings.Contains(out, "MUTED |"+strings.Repeat("#", 15)+strings.Repeat(".", 15)+"|") {
		t.Errorf("unexpected meter line: %q", out)
	}
}
