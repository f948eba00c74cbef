// Package channel translates between transports and the pipeline's
// neutral envelope: chat (Markdown, optionally streamed), voice
// (speech tools on both edges), and the structured API.
package channel

import (
	"regexp"
	"strings"
)

// Prosody hints travel inline as [[name]] or [[name:value]] markers, for
// example [[pause:300ms]] or [[emphasis]]. The voice adapter honours the
// known set below; the chat and API renderers strip every marker,
// including foreign ones, before display.
var markerPattern = regexp.MustCompile(`\[\[([a-z_]+)(?::([^\]]*))?\]\]`)

// knownProsody is the marker set the voice adapter forwards to TTS.
var knownProsody = map[string]bool{
	"pause":    true,
	"rate":     true,
	"pitch":    true,
	"emphasis": true,
}

// ProsodyMarker is one parsed inline hint with its rune offset in the
// stripped text.
type ProsodyMarker struct {
	Name   string `json:"name"`
	Value  string `json:"value,omitempty"`
	Offset int    `json:"offset"`
}

// StripMarkers removes every inline marker from the text.
func StripMarkers(text string) string {
	return markerPattern.ReplaceAllString(text, "")
}

// ExtractMarkers strips markers and returns the known prosody hints with
// their positions in the stripped text. Foreign markers are dropped.
func ExtractMarkers(text string) (string, []ProsodyMarker) {
	var markers []ProsodyMarker
	var b strings.Builder
	rest := text
	for {
		loc := markerPattern.FindStringSubmatchIndex(rest)
		if loc == nil {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:loc[0]])
		name := rest[loc[2]:loc[3]]
		if knownProsody[name] {
			m := ProsodyMarker{Name: name, Offset: len([]rune(b.String()))}
			if loc[4] >= 0 {
				m.Value = rest[loc[4]:loc[5]]
			}
			markers = append(markers, m)
		}
		rest = rest[loc[1]:]
	}
	return b.String(), markers
}

// markdownEscaper escapes characters that would change Markdown
// structure when a response value is interpolated into chat output.
var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	`*`, `\*`,
	`_`, `\_`,
	`[`, `\[`,
	`]`, `\]`,
	`<`, `&lt;`,
	`>`, `&gt;`,
)

// EscapeMarkdown renders untrusted text safe for Markdown display.
func EscapeMarkdown(text string) string {
	return markdownEscaper.Replace(text)
}
