package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/usersync/pkg/users"
)

// Document keeps users in an automerge document under the "users" map, keyed
// by decimal id, and saves the whole document to path after every change.
type Document struct {
	mu      sync.Mutex
	path    string
	doc     *automerge.Doc
	nextSeq int64
	// dirty is set while committed changes have not reached path.
	dirty bool
}

func OpenDocument(path string) (*Document, error) {
	d := &Document{path: path, nextSeq: 1}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("no document on disk, creating new doc", "path", path)
		d.doc = automerge.New()
	case err != nil:
		return nil, wrap("open", fmt.Errorf("failed to read document: %w", err))
	default:
		if d.doc, err = automerge.Load(raw); err != nil {
			return nil, wrap("open", fmt.Errorf("failed to load doc: %w", err))
		}
	}

	v, err := d.doc.Path("users").Get()
	if err != nil {
		return nil, wrap("open", fmt.Errorf("failed to read users: %w", err))
	}
	if v.Kind() == automerge.KindVoid {
		if err := d.doc.Path("users").Set(map[string]interface{}{}); err != nil {
			return nil, wrap("open", fmt.Errorf("failed to create users map: %w", err))
		}
		if _, err := d.doc.Commit("seed", automerge.CommitOptions{AllowEmpty: true}); err != nil {
			return nil, wrap("open", fmt.Errorf("failed to commit doc: %w", err))
		}
	}

	all, err := d.readAll()
	if err != nil {
		return nil, wrap("open", err)
	}
	for _, e := range all {
		if e.seq >= d.nextSeq {
			d.nextSeq = e.seq + 1
		}
	}
	slog.Info("established base doc", "heads", d.doc.Heads(), "users", len(all))
	return d, nil
}

type docEntry struct {
	seq  int64
	user users.User
}

func userKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (d *Document) readUser(key string) (docEntry, bool, error) {
	v, err := d.doc.Path("users", key).Get()
	if err != nil {
		return docEntry{}, false, fmt.Errorf("failed to get user %s: %w", key, err)
	}
	if v.Kind() != automerge.KindMap {
		return docEntry{}, false, nil
	}
	m := v.Map()

	var e docEntry
	if e.user.ID, err = automerge.As[int64](m.Get("id")); err != nil {
		return docEntry{}, false, fmt.Errorf("failed to read id of %s: %w", key, err)
	}
	if e.seq, err = automerge.As[int64](m.Get("seq")); err != nil {
		return docEntry{}, false, fmt.Errorf("failed to read seq of %s: %w", key, err)
	}
	if e.user.Login, err = automerge.As[string](m.Get("login")); err != nil {
		return docEntry{}, false, fmt.Errorf("failed to read login of %s: %w", key, err)
	}
	if e.user.AvatarURL, err = automerge.As[string](m.Get("avatar_url")); err != nil {
		return docEntry{}, false, fmt.Errorf("failed to read avatar_url of %s: %w", key, err)
	}
	variant, err := automerge.As[string](m.Get("variant"))
	if err != nil {
		return docEntry{}, false, fmt.Errorf("failed to read variant of %s: %w", key, err)
	}
	e.user.Variant = users.ParseVariant(variant)

	if nv, err := m.Get("notes"); err != nil {
		return docEntry{}, false, fmt.Errorf("failed to read notes of %s: %w", key, err)
	} else if nv.Kind() == automerge.KindStr {
		n := nv.Str()
		e.user.Notes = &n
	}
	if iv, err := m.Get("image"); err != nil {
		return docEntry{}, false, fmt.Errorf("failed to read image of %s: %w", key, err)
	} else if iv.Kind() == automerge.KindBytes && len(iv.Bytes()) > 0 {
		e.user.Image = iv.Bytes()
	}
	return e, true, nil
}

func (d *Document) readAll() ([]docEntry, error) {
	v, err := d.doc.Path("users").Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	if v.Kind() != automerge.KindMap {
		return nil, nil
	}
	keys, err := v.Map().Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	out := make([]docEntry, 0, len(keys))
	for _, k := range keys {
		e, ok, err := d.readUser(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

// writeUser writes u at key and reports whether anything changed.
func (d *Document) writeUser(u users.User) (bool, error) {
	key := userKey(u.ID)
	prev, found, err := d.readUser(key)
	if err != nil {
		return false, err
	}

	next := u
	seq := d.nextSeq
	if found {
		next = users.Merge(prev.user, u)
		if users.Equal(prev.user, next) {
			return false, nil
		}
		seq = prev.seq
	} else {
		d.nextSeq++
	}

	fields := map[string]interface{}{
		"id":         next.ID,
		"seq":        seq,
		"login":      next.Login,
		"avatar_url": next.AvatarURL,
		"variant":    next.Variant.String(),
	}
	if n, ok := next.NotesText(); ok {
		fields["notes"] = n
	}
	if next.HasImage() {
		fields["image"] = next.Image
	}
	if !found {
		if err := d.doc.Path("users", key).Set(fields); err != nil {
			return false, fmt.Errorf("failed to set user %s: %w", key, err)
		}
		return true, nil
	}
	for field, value := range fields {
		if err := d.doc.Path("users", key, field).Set(value); err != nil {
			return false, fmt.Errorf("failed to set %s of user %s: %w", field, key, err)
		}
	}
	return true, nil
}

func (d *Document) Upsert(ctx context.Context, us []users.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := 0
	for _, u := range us {
		ok, err := d.writeUser(u)
		if err != nil {
			// users written before the failure stay; commit them on their own
			if changed > 0 {
				if cerr := d.commitAndSave(fmt.Sprintf("partial upsert of %d users", changed)); cerr != nil {
					slog.Error("failed to save partial upsert", "err", cerr)
				}
			}
			return wrap("upsert", err)
		}
		if ok {
			changed++
		}
	}
	if changed == 0 {
		if !d.dirty {
			return nil
		}
		return wrap("upsert", d.save())
	}
	return wrap("upsert", d.commitAndSave(fmt.Sprintf("upsert %d users", changed)))
}

func (d *Document) QueryAll(ctx context.Context) ([]users.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	all, err := d.readAll()
	if err != nil {
		return nil, wrap("query", err)
	}
	out := make([]users.User, len(all))
	for i, e := range all {
		out[i] = e.user
	}
	return out, nil
}

func (d *Document) UpsertImage(ctx context.Context, id int64, image []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := userKey(id)
	if _, found, err := d.readUser(key); err != nil {
		return wrap("upsert image", err)
	} else if !found {
		return wrap("upsert image", fmt.Errorf("no user with id %d", id))
	}
	if err := d.doc.Path("users", key, "image").Set(image); err != nil {
		return wrap("upsert image", fmt.Errorf("failed to set image: %w", err))
	}
	return wrap("upsert image", d.commitAndSave("image "+key))
}

func (d *Document) commitAndSave(msg string) error {
	if _, err := d.doc.Commit(msg, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return fmt.Errorf("failed to commit doc: %w", err)
	}
	d.dirty = true
	return d.save()
}

// save writes the whole document to path and clears dirty once it is there.
func (d *Document) save() error {
	tmp, err := os.CreateTemp(filepath.Dir(d.path), filepath.Base(d.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(d.doc.Save()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write doc: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), d.path); err != nil {
		return fmt.Errorf("failed to replace doc: %w", err)
	}
	d.dirty = false
	return nil
}

// Heads returns the current heads of the underlying document.
func (d *Document) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Heads()
}

// Revision is one change in the document log.
type Revision struct {
	Hash    automerge.ChangeHash
	Actor   string
	Seq     uint64
	Deps    []automerge.ChangeHash
	Message string
	// Users is the size of the users map once this change applied.
	Users int
}

// Revisions lists every change in the document, oldest first.
func (d *Document) Revisions() ([]Revision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	out := make([]Revision, 0, len(changes))
	for _, c := range changes {
		r := Revision{Hash: c.Hash(), Actor: c.ActorID(), Seq: c.ActorSeq(), Deps: c.Dependencies(), Message: c.Message()}
		at, err := d.doc.Fork(c.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to fork at %s: %w", c.Hash(), err)
		}
		if v, err := at.Path("users").Get(); err == nil && v.Kind() == automerge.KindMap {
			keys, _ := v.Map().Keys()
			r.Users = len(keys)
		}
		out = append(out, r)
	}
	return out, nil
}

// Close makes a last attempt to save changes an earlier save failed to write.
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty {
		return nil
	}
	return wrap("close", d.save())
}

var _ Store = (*Document)(nil)
