package contacts

import (
	"context"
	"errors"
	"slices"
	"testing"

	"autobot/internal/storage"
)

func TestDirectoryGroupsAndOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDirectory(nil)

	for _, c := range []Contact{
		{Name: "Ana", Phone: "11 91234-5678", Group: "VIP"},
		{Name: "Bruno", Phone: "11 90000-0001"},
		{Name: "Carla", Phone: "11 90000-0002", Group: "VIP"},
		{Name: "Davi", Phone: "11 90000-0003", Group: " Atacado "},
	} {
		if _, err := d.Add(ctx, c); err != nil {
			t.Fatalf("Add(%s) error = %v", c.Name, err)
		}
	}

	if got, want := d.Groups(), []string{"VIP", DefaultGroup, "Atacado"}; !slices.Equal(got, want) {
		t.Fatalf("Groups() = %v, want %v", got, want)
	}

	vip, err := d.ListContactsByGroup(ctx, "VIP")
	if err != nil {
		t.Fatalf("ListContactsByGroup() error = %v", err)
	}
	if len(vip) != 2 || vip[0].Name != "Ana" || vip[1].Name != "Carla" {
		t.Fatalf("VIP members = %+v", vip)
	}

	none, err := d.ListContactsByGroup(ctx, "nobody")
	if err != nil || len(none) != 0 {
		t.Fatalf("unknown group = %+v, %v", none, err)
	}
}

func TestDirectoryValidation(t *testing.T) {
	t.Parallel()
	d := NewDirectory(nil)

	tests := []Contact{
		{Name: "", Phone: "119"},
		{Name: "Ana", Phone: "  "},
	}
	for _, c := range tests {
		if _, err := d.Add(context.Background(), c); !errors.Is(err, ErrInvalidContact) {
			t.Fatalf("Add(%+v) error = %v, want ErrInvalidContact", c, err)
		}
	}
}

func TestDirectoryUpdateRemoveAndReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	d := NewDirectory(st)

	a, _ := d.Add(ctx, Contact{Name: "Ana", Phone: "119"})
	b, _ := d.Add(ctx, Contact{Name: "Bia", Phone: "118"})

	up, err := d.Update(ctx, a.ID, Contact{Name: "Ana Maria", Phone: "117", Group: "VIP"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if up.CreatedAt != a.CreatedAt || up.Group != "VIP" {
		t.Fatalf("Update() = %+v", up)
	}
	if _, err := d.Update(ctx, "missing", Contact{Name: "x", Phone: "1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update(missing) error = %v", err)
	}

	reloaded := NewDirectory(st)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	list := reloaded.List()
	if len(list) != 2 || list[0].Name != "Ana Maria" || list[1].ID != b.ID {
		t.Fatalf("reloaded list = %+v", list)
	}

	if err := d.Remove(ctx, b.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := d.Remove(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove(twice) error = %v", err)
	}
	if _, ok := d.Get(b.ID); ok {
		t.Fatalf("Get() found removed contact")
	}
}
