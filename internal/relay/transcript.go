package relay

import "strings"

// Transcript assembles assistant transcript deltas for the current turn.
type Transcript struct {
	b          strings.Builder
	responseID string
}

// Append adds delta. A delta from a different response starts a new turn.
func (t *Transcript) Append(responseID, delta string) {
	if responseID != "" && responseID != t.responseID {
		t.b.Reset()
		t.responseID = responseID
	}
	t.b.WriteString(delta)
}

// Text returns the transcript assembled so far.
func (t *Transcript) Text() string { return t.b.String() }

// Done finishes the turn and returns its transcript: final when the upstream
// supplied one, otherwise the assembled deltas.
func (t *Transcript) Done(final string) string {
	text := final
	if text == "" {
		text = t.b.String()
	}
	t.Reset()
	return text
}

// Reset clears the transcript.
func (t *Transcript) Reset() {
	t.b.Reset()
	t.responseID = ""
}
