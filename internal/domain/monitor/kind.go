package monitor

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a detection kind understood by the detection service.
type Kind string

const (
	// KindFace detects faces; results carry a "faces" array.
	KindFace Kind = "face"
	// KindPerson detects people; results carry a "detections" array.
	KindPerson Kind = "person"
	// KindObject detects objects; results carry a "detections" array.
	KindObject Kind = "object"
)

// ErrUnknownKind is returned by ParseKind for anything outside the closed set.
var ErrUnknownKind = errors.New("unknown detection kind")

// ParseKind validates s as a detection kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindFace, KindPerson, KindObject:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// ResultField returns the result field listing detected entities, or "" for unknown kinds.
func (k Kind) ResultField() string {
	switch k {
	case KindFace:
		return "faces"
	case KindPerson, KindObject:
		return "detections"
	default:
		return ""
	}
}

// Title returns the kind with its first letter upper-cased, as used in alert subjects.
func (k Kind) Title() string {
	if k == "" {
		return ""
	}

	return strings.ToUpper(string(k[:1])) + string(k[1:])
}
