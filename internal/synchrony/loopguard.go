package synchrony

import (
	"strings"

	"synchrony/internal/models"
	"synchrony/internal/settings"
)

// LoopGuard recognises writes made by the opposite direction.
type LoopGuard struct {
	Marker string
}

// NewLoopGuard returns a guard using marker, or the default marker.
func NewLoopGuard(marker string) LoopGuard {
	if marker == "" {
		marker = settings.DefaultJournalMarker
	}
	return LoopGuard{Marker: marker}
}

// MarkNote prefixes a pushed note with its author and the marker.
func (g LoopGuard) MarkNote(author, text string) string {
	return "*" + author + "* " + g.Marker + text
}

// HasMarker reports whether text was written by a push.
func (g LoopGuard) HasMarker(text string) bool {
	return g.Marker != "" && strings.Contains(text, g.Marker)
}

// Suppressed reports whether a save must not trigger a push.
func (g LoopGuard) Suppressed(event models.IssueEvent) bool {
	return event.SkipSynchronization
}
