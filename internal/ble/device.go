package ble

import "bytes"

// DeviceRecord describes a discovered or connected peripheral.
type DeviceRecord struct {
	ID   string
	Name string
	RSSI int    // dBm; 0 when unknown
	Raw  []byte // opaque advertisement payload
}

// Label returns the name shown to the user.
func (d DeviceRecord) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return "Unnamed Device"
}

func recordFromAdvertisement(adv Advertisement) DeviceRecord {
	return DeviceRecord{ID: adv.ID, Name: adv.Name, RSSI: adv.RSSI, Raw: adv.Raw}
}

// merge applies the attributes present in a newer sighting of the same device.
// Absent attributes (empty name, zero RSSI, no payload) keep their old values.
func (d DeviceRecord) merge(newer DeviceRecord) DeviceRecord {
	out := d
	if newer.Name != "" {
		out.Name = newer.Name
	}
	if newer.RSSI != 0 {
		out.RSSI = newer.RSSI
	}
	if len(newer.Raw) > 0 {
		out.Raw = newer.Raw
	}
	return out
}

func (d DeviceRecord) equal(o DeviceRecord) bool {
	return d.ID == o.ID && d.Name == o.Name && d.RSSI == o.RSSI && bytes.Equal(d.Raw, o.Raw)
}

func (d DeviceRecord) clone() DeviceRecord {
	if d.Raw != nil {
		d.Raw = append([]byte(nil), d.Raw...)
	}
	return d
}

// DiscoveredSet is the ordered, duplicate-free list of devices seen during one
// scan session. It is not safe for concurrent use; the owning Session guards it.
type DiscoveredSet struct {
	devices []DeviceRecord
	index   map[string]int
}

// Observe records a sighting. A new ID is appended; a known ID is updated in
// place. It reports the stored record and whether anything changed.
func (s *DiscoveredSet) Observe(rec DeviceRecord) (DeviceRecord, bool) {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	i, ok := s.index[rec.ID]
	if !ok {
		rec = rec.clone()
		s.index[rec.ID] = len(s.devices)
		s.devices = append(s.devices, rec)
		return rec, true
	}
	cur := s.devices[i]
	next := cur.merge(rec).clone()
	if next.equal(cur) {
		return cur, false
	}
	s.devices[i] = next
	return next, true
}

// Lookup returns the record for id, if seen.
func (s *DiscoveredSet) Lookup(id string) (DeviceRecord, bool) {
	i, ok := s.index[id]
	if !ok {
		return DeviceRecord{}, false
	}
	return s.devices[i], true
}

// Len returns the number of distinct devices.
func (s *DiscoveredSet) Len() int { return len(s.devices) }

// Devices returns a copy of the devices in discovery order.
func (s *DiscoveredSet) Devices() []DeviceRecord {
	out := make([]DeviceRecord, len(s.devices))
	copy(out, s.devices)
	return out
}

// Reset empties the set.
func (s *DiscoveredSet) Reset() {
	s.devices = nil
	s.index = nil
}
