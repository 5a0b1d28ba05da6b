// Package transcript accumulates streaming speech-to-text fragments for both
// sides of a conversation and turns them into one finalised line per speaker
// per turn.
//
// The remote service emits partial transcripts as many small fragments
// ("Hel", "lo there"). [Aggregator] buffers them until the turn completes and
// then emits whole lines. It has no timers: flushing is driven entirely by
// the caller.
//
// An Aggregator is not safe for concurrent use. The session controller owns
// one per connection and only touches it from its event loop.
package transcript

import "strings"

// Speaker identifies which side of the conversation a line belongs to.
type Speaker string

const (
	// SpeakerUser is the person talking into the microphone.
	SpeakerUser Speaker = "user"

	// SpeakerModel is the remote voice model.
	SpeakerModel Speaker = "model"
)

// Line is one finalised transcript line.
type Line struct {
	Speaker Speaker
	Text    string
}

// Aggregator holds the open transcript buffer of each speaker for the current
// turn. The zero value is ready to use.
type Aggregator struct {
	user  strings.Builder
	model strings.Builder
}

// AppendUser appends a partial input transcript fragment.
func (a *Aggregator) AppendUser(fragment string) {
	a.user.WriteString(fragment)
}

// AppendModel appends a partial output transcript fragment.
func (a *Aggregator) AppendModel(fragment string) {
	a.model.WriteString(fragment)
}

// Flush finalises the current turn. It returns the user line followed by the
// model line, each trimmed of surrounding whitespace and omitted when empty,
// and clears both buffers.
func (a *Aggregator) Flush() []Line {
	var lines []Line
	if text := strings.TrimSpace(a.user.String()); text != "" {
		lines = append(lines, Line{Speaker: SpeakerUser, Text: text})
	}
	if text := strings.TrimSpace(a.model.String()); text != "" {
		lines = append(lines, Line{Speaker: SpeakerModel, Text: text})
	}
	a.user.Reset()
	a.model.Reset()
	return lines
}

// DiscardModel drops the pending model text without emitting it. The user
// buffer is kept.
func (a *Aggregator) DiscardModel() {
	a.model.Reset()
}

// Pending returns the raw, untrimmed text buffered for each speaker.
func (a *Aggregator) Pending() (user, model string) {
	return a.user.String(), a.model.String()
}
