package store

import (
	"encoding/json"
	"time"

	"workshelf/api/internal/mode"
)

// Document is the mutable current projection of a document's ledger.
type Document struct {
	ID                   string
	Title                string
	Content              json.RawMessage
	Mode                 mode.Mode
	CurrentVersionNumber int
	AuthorID             string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type VersionKind string

const (
	KindCreate     VersionKind = "create"
	KindSave       VersionKind = "save"
	KindModeChange VersionKind = "mode_change"
	KindRestore    VersionKind = "restore"
)

// Version is an immutable snapshot. Content and title are full copies.
type Version struct {
	ID               string          `json:"id"`
	DocumentID       string          `json:"documentId"`
	VersionNumber    int             `json:"versionNumber"`
	Title            string          `json:"title"`
	Content          json.RawMessage `json:"content"`
	Mode             mode.Mode       `json:"mode"`
	PreviousMode     *mode.Mode      `json:"previousMode"`
	IsModeTransition bool            `json:"isModeTransition"`
	Kind             VersionKind     `json:"kind"`
	RestoredFrom     *int            `json:"restoredFrom"`
	ChangeSummary    string          `json:"changeSummary,omitempty"`
	ContentHash      string          `json:"contentHash"`
	AuthorID         string          `json:"authorId"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Page bounds a history listing. Before is an exclusive upper bound on the
// version number; zero means no bound. Limit zero means no limit.
type Page struct {
	Limit  int
	Before int
}

// Clone returns a deep copy so callers can never alias ledger memory.
func (v Version) Clone() Version {
	out := v
	if v.Content != nil {
		out.Content = append(json.RawMessage(nil), v.Content...)
	}
	if v.PreviousMode != nil {
		prev := *v.PreviousMode
		out.PreviousMode = &prev
	}
	if v.RestoredFrom != nil {
		from := *v.RestoredFrom
		out.RestoredFrom = &from
	}
	return out
}

func (d Document) Clone() Document {
	out := d
	if d.Content != nil {
		out.Content = append(json.RawMessage(nil), d.Content...)
	}
	return out
}
