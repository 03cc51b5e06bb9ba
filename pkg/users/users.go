package users

import (
	"fmt"
)

// Variant records which shape the user was created in. Annotated and
// AnnotatedAlt behave identically; both carry notes.
type Variant int

const (
	Plain Variant = iota
	Annotated
	AnnotatedAlt
)

func (v Variant) String() string {
	switch v {
	case Annotated:
		return "annotated"
	case AnnotatedAlt:
		return "annotated_alt"
	default:
		return "plain"
	}
}

// ParseVariant is the inverse of Variant.String. Unknown names are Plain.
func ParseVariant(s string) Variant {
	switch s {
	case "annotated":
		return Annotated
	case "annotated_alt":
		return AnnotatedAlt
	default:
		return Plain
	}
}

// User is one record of the remote user collection.
type User struct {
	ID        int64   `json:"id"`
	Login     string  `json:"login"`
	AvatarURL string  `json:"avatar_url"`
	Variant   Variant `json:"-"`
	Notes     *string `json:"notes,omitempty"`
	Image     []byte  `json:"-"`
}

func New(id int64, login, avatarURL string) User {
	return User{ID: id, Login: login, AvatarURL: avatarURL}
}

// WithNotes returns a copy of u carrying notes. A plain user becomes Annotated.
func (u User) WithNotes(notes string) User {
	u.Notes = &notes
	if u.Variant == Plain {
		u.Variant = Annotated
	}
	return u
}

func (u User) HasNotes() bool {
	return u.Notes != nil
}

func (u User) NotesText() (string, bool) {
	if u.Notes == nil {
		return "", false
	}
	return *u.Notes, true
}

func (u User) HasImage() bool {
	return len(u.Image) > 0
}

func (u User) String() string {
	if n, ok := u.NotesText(); ok {
		return fmt.Sprintf("%d %s (%s)", u.ID, u.Login, n)
	}
	return fmt.Sprintf("%d %s", u.ID, u.Login)
}

// Merge folds next over prev for the same id. Remote fields come from next;
// the image and the notes are kept from prev unless next carries its own.
func Merge(prev, next User) User {
	out := next
	if !next.HasImage() {
		out.Image = prev.Image
	}
	if !next.HasNotes() {
		out.Notes = prev.Notes
		out.Variant = prev.Variant
	}
	return out
}

// Equal reports whether a and b hold the same data.
func Equal(a, b User) bool {
	if a.ID != b.ID || a.Login != b.Login || a.AvatarURL != b.AvatarURL || a.Variant != b.Variant {
		return false
	}
	an, aok := a.NotesText()
	bn, bok := b.NotesText()
	if aok != bok || an != bn {
		return false
	}
	return string(a.Image) == string(b.Image)
}
