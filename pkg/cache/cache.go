package cache

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// Entry is the cached profile of one device.
type Entry struct {
	Name            string            `json:"name,omitempty"`
	Type            sensor.DeviceType `json:"type"`
	Manufacturer    string            `json:"manufacturer,omitempty"`
	Model           string            `json:"model,omitempty"`
	FirmwareVersion string            `json:"firmwareVersion,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	LastSeen        time.Time         `json:"lastSeen"`
}

type DeviceCache struct {
	MaxEntries int
	Devices    map[string]Entry `json:"devices"`
	lock       sync.Mutex
}

// New returns a DeviceCache that holds profiles for up to maxEntries devices.
//
// Set maxEntries to zero for an unbounded cache.
func New(maxEntries int) *DeviceCache {
	return &DeviceCache{
		MaxEntries: maxEntries,
		Devices:    make(map[string]Entry),
	}
}

// Import a DeviceCache using data in r.
// The data should previously have been generated using [DeviceCache.Export].
func Import(r io.Reader) (*DeviceCache, error) {
	var cache DeviceCache
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&cache); err != nil {
		return nil, err
	}
	if cache.Devices == nil {
		cache.Devices = make(map[string]Entry)
	}
	return &cache, nil
}

// ImportFromFile reads a DeviceCache from disk.
func ImportFromFile(filename string) (*DeviceCache, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Import(file)
}

// Export writes a serialized DeviceCache to w.
func (c *DeviceCache) Export(w io.Writer) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return json.NewEncoder(w).Encode(c)
}

// ExportToFile writes a DeviceCache to disk.
func (c *DeviceCache) ExportToFile(filename string) error {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	return c.Export(file)
}

// Update the DeviceCache's entry for a device id.
func (c *DeviceCache) Update(id string, entry Entry) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.Devices[id] = entry
	if c.MaxEntries > 0 && len(c.Devices) > c.MaxEntries {
		oldestID := id
		oldestSeen := entry.LastSeen
		for d, e := range c.Devices {
			if e.LastSeen.Before(oldestSeen) {
				oldestID = d
				oldestSeen = e.LastSeen
			}
		}
		delete(c.Devices, oldestID)
	}
}

// Remember stores the identifying fields of d.
func (c *DeviceCache) Remember(d *sensor.Device) {
	if d == nil || d.ID == "" {
		return
	}
	c.Update(d.ID, Entry{
		Name:            d.Name,
		Type:            d.Type,
		Manufacturer:    d.Manufacturer,
		Model:           d.Model,
		FirmwareVersion: d.FirmwareVersion,
		Capabilities:    append([]string(nil), d.Capabilities...),
		LastSeen:        d.LastSeen,
	})
}

// GetEntry returns the cached profile of a device.
func (c *DeviceCache) GetEntry(id string) (Entry, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, ok := c.Devices[id]
	return entry, ok
}

// Enrich fills empty identification fields of d from its cached profile. It returns true if any
// field changed. A cached type is only used when d could not be classified.
func (c *DeviceCache) Enrich(d *sensor.Device) bool {
	if d == nil {
		return false
	}
	entry, ok := c.GetEntry(d.ID)
	if !ok {
		return false
	}
	changed := false
	fill := func(dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
			changed = true
		}
	}
	fill(&d.Manufacturer, entry.Manufacturer)
	fill(&d.Model, entry.Model)
	fill(&d.FirmwareVersion, entry.FirmwareVersion)
	if (d.Type == sensor.TypeUnknown || d.Type == "") && entry.Type.IsMetric() {
		d.Type = entry.Type
		changed = true
	}
	for _, tag := range entry.Capabilities {
		if !d.HasCapability(tag) {
			d.Capabilities = append(d.Capabilities, tag)
			changed = true
		}
	}
	return changed
}
