// Package zone models the zone topology the interest manager works over:
// permanently visible zones, street branches and the visibility table that
// expands a street zone into the set of zones a client there can see.
package zone

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Zones every client is implicitly interested in.
const (
	OldQuietZone   uint32 = 1
	Management     uint32 = 2
	Districts      uint32 = 3
	DistrictsStats uint32 = 4
)

// IsPerma reports whether zoneID is visible to every client regardless of
// declared interests.
func IsPerma(zoneID uint32) bool {
	switch zoneID {
	case OldQuietZone, Management, Districts, DistrictsStats:
		return true
	}
	return false
}

// BranchZone maps a zone to the branch it belongs to. Branch zones are the
// 100-multiples; a playground zone is its own branch.
func BranchZone(zoneID uint32) uint32 {
	return zoneID - zoneID%100
}

// VisTable maps street zones to the zones visible from them, keyed by
// branch.
type VisTable struct {
	branches map[uint32]map[uint32][]uint32
}

type visTableFile struct {
	Branch []visBranch `toml:"branch"`
}

type visBranch struct {
	ID    uint32    `toml:"id"`
	Zones []visZone `toml:"zone"`
}

type visZone struct {
	ID      uint32   `toml:"id"`
	Visible []uint32 `toml:"visible"`
}

// LoadVisTable reads a visibility table from a toml file.
func LoadVisTable(path string) (*VisTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vis table %s: %w", path, err)
	}
	var file visTableFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse vis table %s: %w", path, err)
	}

	t := &VisTable{branches: make(map[uint32]map[uint32][]uint32, len(file.Branch))}
	for _, b := range file.Branch {
		zones := make(map[uint32][]uint32, len(b.Zones))
		for _, z := range b.Zones {
			zones[z.ID] = z.Visible
		}
		t.branches[b.ID] = zones
	}
	return t, nil
}

// HasBranch reports whether branchID is a known street branch.
func (t *VisTable) HasBranch(branchID uint32) bool {
	_, ok := t.branches[branchID]
	return ok
}

// IsStreet reports whether zoneID sits on a known street branch. Branch
// zones themselves (playgrounds) are not streets.
func (t *VisTable) IsStreet(zoneID uint32) bool {
	return zoneID%100 != 0 && t.HasBranch(BranchZone(zoneID))
}

// VisibleZones returns the zones visible from a street zone, the zone
// itself included. For non-street zones it returns just the zone.
func (t *VisTable) VisibleZones(zoneID uint32) []uint32 {
	if !t.IsStreet(zoneID) {
		return []uint32{zoneID}
	}
	extra := t.branches[BranchZone(zoneID)][zoneID]
	out := make([]uint32, 0, len(extra)+1)
	out = append(out, zoneID)
	for _, z := range extra {
		if z != zoneID {
			out = append(out, z)
		}
	}
	return out
}
