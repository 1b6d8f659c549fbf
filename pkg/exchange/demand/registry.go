package demand

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds all recurring demands. Create/Cancel may be called from any
// goroutine; volume/scheduling state is mutated only by the runner's demand
// tick inside the engine executor, via RecordSpawn.
type Registry struct {
	mu      sync.RWMutex
	demands map[string]*Demand
}

func NewRegistry() *Registry {
	return &Registry{demands: make(map[string]*Demand)}
}

// Create registers a new demand after validation.
func (r *Registry) Create(d *Demand) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.demands[d.ID]; exists {
		return fmt.Errorf("demand %s already registered", d.ID)
	}
	d.Active = true
	r.demands[d.ID] = d
	return nil
}

// Cancel deactivates a demand. Already-spawned child orders are unaffected.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, exists := r.demands[id]
	if !exists {
		return fmt.Errorf("demand %s not found", id)
	}
	d.Active = false
	return nil
}

// Get returns a copy of the demand.
func (r *Registry) Get(id string) (Demand, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.demands[id]
	if !exists {
		return Demand{}, fmt.Errorf("demand %s not found", id)
	}
	return *d, nil
}

// Due returns the IDs of active demands whose next run is at or before now
// (Unix ms), sorted for deterministic tick ordering.
func (r *Registry) Due(nowMillis int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, d := range r.demands {
		if d.Active && d.RemainingVolume > 0 && d.NextRunAt <= nowMillis {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// NextSpawn returns the child order parameters for a due demand.
// ok is false if the demand has been cancelled or exhausted since Due.
func (r *Registry) NextSpawn(id string) (d Demand, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.demands[id]
	if !exists || !p.Active || p.RemainingVolume <= 0 {
		return Demand{}, false
	}
	return *p, true
}

// RecordSpawn decrements remaining volume and schedules the next run after a
// child order was accepted by the engine. Deactivates at zero remaining.
// Called only from the runner tick inside the executor.
func (r *Registry) RecordSpawn(id string, volume, nowMillis int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, exists := r.demands[id]
	if !exists {
		return fmt.Errorf("demand %s not found", id)
	}
	if volume > d.RemainingVolume {
		return fmt.Errorf("demand %s spawn %d exceeds remaining %d", id, volume, d.RemainingVolume)
	}
	d.RemainingVolume -= volume
	d.NextRunAt = nowMillis + d.Period.Milliseconds()
	if d.RemainingVolume == 0 {
		d.Active = false
	}
	return nil
}

// List returns copies of all demands sorted by ID.
func (r *Registry) List() []Demand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Demand, 0, len(r.demands))
	for _, d := range r.demands {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
