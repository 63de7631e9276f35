//go:build unit

package libvirt

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/dst/pkg/lab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveLoadDelete(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "labs"))
	require.NoError(t, err)

	rec := &LabRecord{
		ID:        "dynamic-split-tunnel-test-abcd1234",
		Title:     "Dynamic Split Tunnel Test-abcd1234",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		State:     LabDefined,
		Nodes: []NodeRecord{{
			Name:       "HQ Switch",
			Role:       lab.RoleSwitch,
			Interfaces: []InterfaceRecord{{Label: "port0"}},
		}},
	}
	require.NoError(t, store.Save(rec))

	got, err := store.Load(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	list, err := store.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete(rec.ID))

	_, err = store.Load(rec.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.ErrorIs(t, store.Delete(rec.ID), ErrRecordNotFound)
}

func TestStore_ListSkipsCorrupted(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, store.Save(&LabRecord{ID: "b", CreatedAt: time.Unix(20, 0)}))
	require.NoError(t, store.Save(&LabRecord{ID: "a", CreatedAt: time.Unix(10, 0)}))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	_, err = store.Load("broken")
	assert.ErrorIs(t, err, ErrStoreCorrupted)
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Dynamic Split Tunnel Test-ab12cd34", want: "dynamic-split-tunnel-test-ab12cd34"},
		{in: "HQ Firewall", want: "hq-firewall"},
		{in: "  OOB  Management ", want: "oob-management"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, slug(tt.in))
	}
}

func TestLabRecord_OwnedNetworks(t *testing.T) {
	rec := &LabRecord{
		ID: "lab",
		Nodes: []NodeRecord{
			{Name: "HQ Switch", Role: lab.RoleSwitch},
			{Name: "HQ Firewall", Role: lab.RoleFirewall},
		},
		Links: []LinkRecord{
			{Network: "lab-link1", Owned: true},
			{Network: "lab-hq-switch"},
			{Network: "default"},
		},
	}

	assert.Equal(t, []string{"lab-hq-switch", "lab-link1"}, rec.ownedNetworks())
}
