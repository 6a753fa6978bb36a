package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Registry collects in-process gateway counters. Snapshots are served from
// the admin surface as JSON.
type Registry struct {
	mu       sync.RWMutex
	endpoint map[string]*EndpointStat
	outcome  map[string]int64
	reason   map[string]int64
	via      map[string]int64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Outcomes    map[string]int64        `json:"outcomes"`
	Reasons     map[string]int64        `json:"reasons"`
	Via         map[string]int64        `json:"via"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint: map[string]*EndpointStat{},
		outcome:  map[string]int64{},
		reason:   map[string]int64{},
		via:      map[string]int64{},
	}
}

// Observe records one served request.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	stat.LastStatusCode = status
}

// Decision records one authorization outcome.
func (r *Registry) Decision(outcome, via, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if outcome != "" {
		r.outcome[outcome]++
	}
	if via != "" {
		r.via[via]++
	}
	if reason != "" {
		r.reason[reason]++
	}
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:    make(map[string]int64, len(r.outcome)),
		Reasons:     make(map[string]int64, len(r.reason)),
		Via:         make(map[string]int64, len(r.via)),
	}
	for k, v := range r.endpoint {
		snap.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		snap.Outcomes[k] = v
	}
	for k, v := range r.reason {
		snap.Reasons[k] = v
	}
	for k, v := range r.via {
		snap.Via[k] = v
	}
	return snap
}

// Handler serves the JSON snapshot.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	}
}
