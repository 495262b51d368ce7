package zone

// Store tracks which distributed objects a single client currently sees,
// indexed both ways so interest teardown can sweep a zone and object
// deletion can find its zone.
type Store struct {
	objects map[uint32]uint32
	byZone  map[uint32]map[uint32]struct{}
}

func NewStore() *Store {
	return &Store{
		objects: make(map[uint32]uint32),
		byZone:  make(map[uint32]map[uint32]struct{}),
	}
}

// Add records doID as visible in zoneID. Re-adding moves the object if its
// zone changed.
func (s *Store) Add(doID, zoneID uint32) {
	if old, ok := s.objects[doID]; ok {
		if old == zoneID {
			return
		}
		s.detach(doID, old)
	}
	s.objects[doID] = zoneID
	set := s.byZone[zoneID]
	if set == nil {
		set = make(map[uint32]struct{})
		s.byZone[zoneID] = set
	}
	set[doID] = struct{}{}
}

// Remove forgets doID. It reports whether the object was known.
func (s *Store) Remove(doID uint32) bool {
	zoneID, ok := s.objects[doID]
	if !ok {
		return false
	}
	delete(s.objects, doID)
	s.detach(doID, zoneID)
	return true
}

// DropZone forgets every object in zoneID and returns their ids.
func (s *Store) DropZone(zoneID uint32) []uint32 {
	set := s.byZone[zoneID]
	if len(set) == 0 {
		delete(s.byZone, zoneID)
		return nil
	}
	ids := make([]uint32, 0, len(set))
	for doID := range set {
		ids = append(ids, doID)
		delete(s.objects, doID)
	}
	delete(s.byZone, zoneID)
	return ids
}

// HasZone reports whether any object is seen in zoneID.
func (s *Store) HasZone(zoneID uint32) bool {
	return len(s.byZone[zoneID]) > 0
}

// Contains reports whether doID is currently seen.
func (s *Store) Contains(doID uint32) bool {
	_, ok := s.objects[doID]
	return ok
}

// Zone returns the zone doID was last seen in.
func (s *Store) Zone(doID uint32) (uint32, bool) {
	z, ok := s.objects[doID]
	return z, ok
}

// Len reports how many objects are seen.
func (s *Store) Len() int {
	return len(s.objects)
}

func (s *Store) detach(doID, zoneID uint32) {
	if set := s.byZone[zoneID]; set != nil {
		delete(set, doID)
		if len(set) == 0 {
			delete(s.byZone, zoneID)
		}
	}
}
