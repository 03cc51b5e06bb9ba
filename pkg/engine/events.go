package engine

import (
	"fmt"

	"github.com/astromechza/usersync/pkg/remote"
)

type EventKind int

const (
	// ListChanged means the active view may have changed arbitrarily.
	ListChanged EventKind = iota
	// RowsUpdated carries the positions whose data changed in place.
	RowsUpdated
	// ImageReady carries the positions whose image was just resolved.
	ImageReady
	// NoMoreData means pagination reached the end; drop any loading row.
	NoMoreData
	// LoadFailed carries the failure kind of the last page load.
	LoadFailed
	ImageFailed
	StoreFailed
)

var eventKindNames = map[EventKind]string{
	ListChanged: "list_changed",
	RowsUpdated: "rows_updated",
	ImageReady:  "image_ready",
	NoMoreData:  "no_more_data",
	LoadFailed:  "load_failed",
	ImageFailed: "image_failed",
	StoreFailed: "store_failed",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(raw []byte) error {
	for kind, name := range eventKindNames {
		if name == string(raw) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", string(raw))
}

// Event is one notification to the presentation layer. Indices are
// positions in the unfiltered working set unless Filtered is set, in which
// case they are positions in the filtered view.
type Event struct {
	Kind     EventKind
	Indices  []int
	Filtered bool
	Failure  remote.Kind
	Err      error
}

func (e Event) String() string {
	switch e.Kind {
	case RowsUpdated, ImageReady:
		return fmt.Sprintf("%s %v filtered=%t", e.Kind, e.Indices, e.Filtered)
	case LoadFailed, ImageFailed:
		return fmt.Sprintf("%s %s", e.Kind, e.Failure)
	default:
		return e.Kind.String()
	}
}

// FailureMessage is the user-facing text for a load failure. Network and
// decoding failures never share a message.
func FailureMessage(k remote.Kind) string {
	switch k {
	case remote.Decoding:
		return "Data parsing error. Please report this to the developers."
	default:
		return "Network unavailable. Scroll down to retry."
	}
}
