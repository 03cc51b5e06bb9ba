// Package filter narrows a list of users by a search term.
package filter

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/astromechza/usersync/pkg/users"
)

// Match reports whether login contains term, ignoring case. An empty term
// matches everything.
func Match(login, term string) bool {
	if term == "" {
		return true
	}
	return matcher(term)(login)
}

// Indices returns the positions in set whose login contains term, in order.
// It returns nil for an empty term, which callers treat as "not filtering".
func Indices(set []users.User, term string) []int {
	if term == "" {
		return nil
	}
	m := matcher(term)
	out := make([]int, 0)
	for i, u := range set {
		if m(u.Login) {
			out = append(out, i)
		}
	}
	return out
}

// Apply is Indices resolved back into users.
func Apply(set []users.User, term string) []users.User {
	if term == "" {
		return set
	}
	idx := Indices(set, term)
	out := make([]users.User, len(idx))
	for i, j := range idx {
		out[i] = set[j]
	}
	return out
}

func matcher(term string) func(string) bool {
	fold := cases.Fold()
	needle := fold.String(term)
	return func(login string) bool {
		return strings.Contains(fold.String(login), needle)
	}
}
