// Package contacts holds the contact directory the dispatcher resolves
// groups against.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autobot/internal/storage"
)

// DefaultGroup is assigned to contacts created without a group.
const DefaultGroup = "Geral"

var (
	ErrNotFound       = errors.New("contact not found")
	ErrInvalidContact = errors.New("invalid contact")
)

type Contact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Group     string    `json:"group"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the slice of storage.Store the directory writes through to.
type Store interface {
	ListContacts(ctx context.Context) ([]storage.ContactRecord, error)
	PutContact(ctx context.Context, c storage.ContactRecord) error
	DeleteContact(ctx context.Context, id string) error
}

// Directory keeps contacts in insertion order. Reads are served from memory.
// Writes go to the store first so a failed write leaves memory untouched.
type Directory struct {
	mu    sync.RWMutex
	items []Contact
	store Store
	now   func() time.Time
}

// NewDirectory returns an empty directory. store may be nil.
func NewDirectory(store Store) *Directory {
	return &Directory{store: store, now: time.Now}
}

// Load replaces the in-memory list with the stored contacts.
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	recs, err := d.store.ListContacts(ctx)
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	items := make([]Contact, 0, len(recs))
	for _, r := range recs {
		items = append(items, fromRecord(r))
	}
	d.mu.Lock()
	d.items = items
	d.mu.Unlock()
	return nil
}

func normalize(c Contact) (Contact, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.Phone = strings.TrimSpace(c.Phone)
	c.Group = strings.TrimSpace(c.Group)
	if c.Name == "" {
		return c, fmt.Errorf("%w: name is required", ErrInvalidContact)
	}
	if c.Phone == "" {
		return c, fmt.Errorf("%w: phone is required", ErrInvalidContact)
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	return c, nil
}

func (d *Directory) Add(ctx context.Context, c Contact) (Contact, error) {
	c, err := normalize(c)
	if err != nil {
		return Contact{}, err
	}
	c.ID = uuid.NewString()
	c.CreatedAt = d.now()

	if d.store != nil {
		if err := d.store.PutContact(ctx, toRecord(c)); err != nil {
			return Contact{}, fmt.Errorf("save contact: %w", err)
		}
	}
	d.mu.Lock()
	d.items = append(d.items, c)
	d.mu.Unlock()
	return c, nil
}

// Update replaces name, phone and group of an existing contact. The contact
// keeps its position in the directory.
func (d *Directory) Update(ctx context.Context, id string, c Contact) (Contact, error) {
	c, err := normalize(c)
	if err != nil {
		return Contact{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(id)
	if i < 0 {
		return Contact{}, ErrNotFound
	}
	c.ID = id
	c.CreatedAt = d.items[i].CreatedAt
	if d.store != nil {
		if err := d.store.PutContact(ctx, toRecord(c)); err != nil {
			return Contact{}, fmt.Errorf("save contact: %w", err)
		}
	}
	d.items[i] = c
	return c, nil
}

func (d *Directory) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(id)
	if i < 0 {
		return ErrNotFound
	}
	if d.store != nil {
		if err := d.store.DeleteContact(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete contact: %w", err)
		}
	}
	d.items = slices.Delete(d.items, i, i+1)
	return nil
}

func (d *Directory) Get(id string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.indexLocked(id); i >= 0 {
		return d.items[i], true
	}
	return Contact{}, false
}

func (d *Directory) List() []Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.items)
}

// ListContactsByGroup returns the members of group in insertion order.
// An unknown group yields an empty list.
func (d *Directory) ListContactsByGroup(ctx context.Context, group string) ([]Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	group = strings.TrimSpace(group)
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Contact
	for _, c := range d.items {
		if c.Group == group {
			out = append(out, c)
		}
	}
	return out, nil
}

// Groups returns the distinct group labels in order of first appearance.
func (d *Directory) Groups() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[string]struct{}, 8)
	var out []string
	for _, c := range d.items {
		if _, ok := seen[c.Group]; ok {
			continue
		}
		seen[c.Group] = struct{}{}
		out = append(out, c.Group)
	}
	return out
}

func (d *Directory) indexLocked(id string) int {
	return slices.IndexFunc(d.items, func(c Contact) bool { return c.ID == id })
}

func toRecord(c Contact) storage.ContactRecord {
	return storage.ContactRecord{ID: c.ID, Name: c.Name, Phone: c.Phone, Group: c.Group, CreatedAt: c.CreatedAt}
}

func fromRecord(r storage.ContactRecord) Contact {
	return Contact{ID: r.ID, Name: r.Name, Phone: r.Phone, Group: r.Group, CreatedAt: r.CreatedAt}
}
