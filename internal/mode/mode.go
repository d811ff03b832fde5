// Package mode defines the workflow modes a document moves through and the
// transition graph between them.
package mode

import (
	"errors"
	"fmt"
	"strings"
)

type Mode string
type Visibility string

const (
	Draft        Mode = "draft"
	Review       Mode = "review"
	Published    Mode = "published"
	ArchivedRead Mode = "archived-read"
)

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Initial is the only mode a new document can start in.
const Initial = Draft

var ErrUnknownMode = errors.New("unknown mode")

var ordered = []Mode{Draft, Review, Published, ArchivedRead}

// legacy vocabularies still sent by older editor builds
var aliases = map[string]Mode{
	"draft":         Draft,
	"alpha":         Draft,
	"review":        Review,
	"beta":          Review,
	"published":     Published,
	"publish":       Published,
	"archived-read": ArchivedRead,
	"archived_read": ArchivedRead,
	"archived":      ArchivedRead,
	"read":          ArchivedRead,
}

// All returns every mode in workflow order.
func All() []Mode {
	out := make([]Mode, len(ordered))
	copy(out, ordered)
	return out
}

// Parse canonicalizes a mode name, accepting the legacy alpha/beta/publish/read names.
func Parse(value string) (Mode, error) {
	key := strings.ToLower(strings.TrimSpace(value))
	if m, ok := aliases[key]; ok {
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, value)
}

func (m Mode) Valid() bool {
	switch m {
	case Draft, Review, Published, ArchivedRead:
		return true
	default:
		return false
	}
}

// Editable reports whether content-mutating saves are accepted in this mode.
func (m Mode) Editable() bool {
	switch m {
	case Draft, Review:
		return true
	default:
		return false
	}
}

func (m Mode) Visibility() Visibility {
	switch m {
	case Published, ArchivedRead:
		return VisibilityPublic
	default:
		return VisibilityPrivate
	}
}

func (m Mode) Public() bool {
	return m.Visibility() == VisibilityPublic
}

func (m Mode) String() string {
	return string(m)
}

func (m Mode) rank() int {
	for i, candidate := range ordered {
		if candidate == m {
			return i
		}
	}
	return len(ordered)
}
