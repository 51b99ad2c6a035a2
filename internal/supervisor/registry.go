package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of one device run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateFinished  State = "finished"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// DeviceResult is the record of one device within a run.
type DeviceResult struct {
	Index     int        `json:"index"`
	Platform  string     `json:"platform"`
	Device    string     `json:"device"`
	State     State      `json:"state"`
	WorkSize  int        `json:"workSize"`
	KItersNum int        `json:"kiters"`
	Passes    int64      `json:"passes"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Failed reports whether the device ended in failure.
func (r DeviceResult) Failed() bool { return r.State == StateFailed }

// Registry tracks the device results of a run.
type Registry struct {
	mu      sync.RWMutex
	devices map[int]*DeviceResult
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[int]*DeviceResult)}
}

// Add registers a pending device.
func (r *Registry) Add(index int, platform, device string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices[index] = &DeviceResult{
		Index:     index,
		Platform:  platform,
		Device:    device,
		State:     StatePending,
		StartTime: time.Now(),
	}
}

// Get returns a copy of the device result.
func (r *Registry) Get(index int) (DeviceResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[index]
	if !ok {
		return DeviceResult{}, false
	}
	return *d, true
}

// List returns copies of every device result ordered by index.
func (r *Registry) List() []DeviceResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DeviceResult, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Update atomically applies fn to the device result.
func (r *Registry) Update(index int, fn func(*DeviceResult)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[index]
	if !ok {
		return fmt.Errorf("device not found: #%d", index)
	}
	fn(d)
	return nil
}

// finish moves the device to a terminal state.
func (r *Registry) finish(index int, state State, message string) {
	end := time.Now()
	_ = r.Update(index, func(d *DeviceResult) {
		d.State = state
		d.Error = message
		d.EndTime = &end
	})
}
