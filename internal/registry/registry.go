// Package registry tracks the devices that have connected during this
// process lifetime. Records are never removed; liveness is derived from
// the last connect time whenever it is asked for.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// DefaultOnlineWindow is how long after its last connect a device still
// counts as online.
const DefaultOnlineWindow = 60 * time.Second

var (
	ErrNotFound  = errors.New("device not found")
	ErrMissingID = errors.New("missing device id")
)

// Registry is the in-memory device table.
type Registry struct {
	clock  clockwork.Clock
	window time.Duration

	mu      sync.RWMutex
	devices map[string]models.Device
}

// New creates an empty registry. A non-positive window falls back to
// DefaultOnlineWindow.
func New(c clockwork.Clock, window time.Duration) *Registry {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = DefaultOnlineWindow
	}
	return &Registry{
		clock:   c,
		window:  window,
		devices: make(map[string]models.Device),
	}
}

// Upsert replaces the record for id and refreshes its last-seen time.
func (r *Registry) Upsert(id string, meta models.DeviceMetadata) (models.Device, error) {
	if id == "" {
		return models.Device{}, ErrMissingID
	}

	device := models.Device{
		ID:       id,
		Model:    meta.Model,
		Battery:  meta.Battery,
		SIM1:     meta.SIM1,
		SIM2:     meta.SIM2,
		LastSeen: r.clock.Now(),
	}

	r.mu.Lock()
	r.devices[id] = device
	r.mu.Unlock()

	return device, nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (models.Device, error) {
	r.mu.RLock()
	device, ok := r.devices[id]
	r.mu.RUnlock()

	if !ok {
		return models.Device{}, ErrNotFound
	}
	return device, nil
}

// List returns every known device ordered by display name, then id.
func (r *Registry) List() []models.Device {
	r.mu.RLock()
	out := make([]models.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ni, nj := out[i].DisplayName(), out[j].DisplayName()
		if ni != nj {
			return ni < nj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// IsOnline reports whether id connected within the online window.
// Unknown devices are offline.
func (r *Registry) IsOnline(id string) bool {
	device, err := r.Get(id)
	if err != nil {
		return false
	}
	return r.Online(device)
}

// Online evaluates liveness for a record already fetched from the
// registry.
func (r *Registry) Online(device models.Device) bool {
	return r.clock.Now().Sub(device.LastSeen) < r.window
}
