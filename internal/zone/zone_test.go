package zone

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleVisTable = `
[[branch]]
id = 2100

  [[branch.zone]]
  id = 2101
  visible = [2102, 2103]

  [[branch.zone]]
  id = 2102
  visible = [2101]

[[branch]]
id = 2200

  [[branch.zone]]
  id = 2201
  visible = []
`

func writeVisTable(t *testing.T) *VisTable {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vis_table.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleVisTable), 0o644))
	table, err := LoadVisTable(path)
	require.NoError(t, err)
	return table
}

func TestIsPerma(t *testing.T) {
	assert.True(t, IsPerma(OldQuietZone))
	assert.True(t, IsPerma(DistrictsStats))
	assert.False(t, IsPerma(2000))
}

func TestBranchZone(t *testing.T) {
	assert.Equal(t, uint32(2100), BranchZone(2101))
	assert.Equal(t, uint32(2100), BranchZone(2199))
	assert.Equal(t, uint32(2000), BranchZone(2000))
}

func TestIsStreet(t *testing.T) {
	table := writeVisTable(t)
	assert.True(t, table.IsStreet(2101))
	assert.True(t, table.IsStreet(2201))
	// Branch zones are playgrounds, never streets.
	assert.False(t, table.IsStreet(2100))
	// Unknown branch.
	assert.False(t, table.IsStreet(9901))
}

func TestVisibleZones(t *testing.T) {
	table := writeVisTable(t)

	got := table.VisibleZones(2101)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	assert.Equal(t, []uint32{2101, 2102, 2103}, got)

	// Non-street zones expand to themselves.
	assert.Equal(t, []uint32{2000}, table.VisibleZones(2000))
	assert.Equal(t, []uint32{2201}, table.VisibleZones(2201))
}

func TestStoreAddRemove(t *testing.T) {
	s := NewStore()
	s.Add(101, 2101)
	s.Add(102, 2101)
	s.Add(103, 2102)

	assert.True(t, s.Contains(101))
	z, ok := s.Zone(103)
	require.True(t, ok)
	assert.Equal(t, uint32(2102), z)
	assert.Equal(t, 3, s.Len())

	assert.True(t, s.Remove(101))
	assert.False(t, s.Remove(101))
	assert.Equal(t, 2, s.Len())
}

func TestStoreMoveBetweenZones(t *testing.T) {
	s := NewStore()
	s.Add(101, 2101)
	s.Add(101, 2102)

	assert.Empty(t, s.DropZone(2101))
	z, _ := s.Zone(101)
	assert.Equal(t, uint32(2102), z)
}

func TestStoreDropZone(t *testing.T) {
	s := NewStore()
	s.Add(101, 2101)
	s.Add(102, 2101)
	s.Add(103, 2102)

	ids := s.DropZone(2101)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []uint32{101, 102}, ids)
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains(103))
}
