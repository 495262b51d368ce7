package ca

// Interest is one client-declared view: a parent object and a set of
// zones under it. Street zones pull in extra visibility zones from the
// vis table; those are tracked separately so interest replaces can diff
// them.
type Interest struct {
	ID      uint16
	Context uint32
	Parent  uint32
	Zones   []uint32
	Vis     map[uint32]struct{}
}

func (i *Interest) HasZone(zoneID uint32) bool {
	for _, z := range i.Zones {
		if z == zoneID {
			return true
		}
	}
	return false
}

// HasView reports whether zoneID is one of the interest's expanded
// visibility zones.
func (i *Interest) HasView(zoneID uint32) bool {
	_, ok := i.Vis[zoneID]
	return ok
}

// InterestManager tracks a single client's open interests.
type InterestManager struct {
	interests []*Interest
}

func newInterestManager() *InterestManager {
	return &InterestManager{}
}

func (m *InterestManager) Add(i *Interest) {
	m.interests = append(m.interests, i)
}

func (m *InterestManager) Remove(i *Interest) {
	for n, have := range m.interests {
		if have == i {
			m.interests = append(m.interests[:n], m.interests[n+1:]...)
			return
		}
	}
}

func (m *InterestManager) ByID(id uint16) *Interest {
	for _, i := range m.interests {
		if i.ID == id {
			return i
		}
	}
	return nil
}

func (m *InterestManager) All() []*Interest {
	return m.interests
}

// CountCovering reports how many interests cover (parent, zone) as a
// declared zone.
func (m *InterestManager) CountCovering(parent, zoneID uint32) int {
	n := 0
	for _, i := range m.interests {
		if i.Parent == parent && i.HasZone(zoneID) {
			n++
		}
	}
	return n
}

// Covers reports whether any interest declares (parent, zone).
// includeViews also accepts expanded visibility zones.
func (m *InterestManager) Covers(parent, zoneID uint32, includeViews bool) bool {
	for _, i := range m.interests {
		if i.Parent != parent {
			continue
		}
		if i.HasZone(zoneID) || (includeViews && i.HasView(zoneID)) {
			return true
		}
	}
	return false
}

// CoversZone reports whether any interest sees zoneID under any parent,
// declared or through visibility.
func (m *InterestManager) CoversZone(zoneID uint32) bool {
	for _, i := range m.interests {
		if i.HasZone(zoneID) || i.HasView(zoneID) {
			return true
		}
	}
	return false
}
