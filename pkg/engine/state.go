package engine

import (
	"fmt"
	"time"
)

// State is the pagination state.
type State int

const (
	Idle State = iota
	LoadingPage
	EndOfData
	Failed
)

func (s State) String() string {
	switch s {
	case LoadingPage:
		return "loading_page"
	case EndOfData:
		return "end_of_data"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(raw []byte) error {
	for _, st := range []State{Idle, LoadingPage, EndOfData, Failed} {
		if st.String() == string(raw) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(raw))
}

// Transition is one entry of the pagination history.
type Transition struct {
	Seq    int
	From   State
	To     State
	Offset int
	Total  int
	Note   string
	At     time.Time
}

// history keeps the most recent transitions.
type history struct {
	max  int
	seq  int
	list []Transition
}

func (h *history) add(t Transition) {
	h.seq++
	t.Seq = h.seq
	h.list = append(h.list, t)
	if h.max > 0 && len(h.list) > h.max {
		h.list = append(h.list[:0:0], h.list[len(h.list)-h.max:]...)
	}
}

func (h *history) snapshot() []Transition {
	out := make([]Transition, len(h.list))
	copy(out, h.list)
	return out
}
