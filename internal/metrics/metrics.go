package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	reqTotal         atomic.Uint64
	reqErrors        atomic.Uint64
	rateLimited      atomic.Uint64
	instancesActive  atomic.Int64
	instanceCreates  atomic.Uint64
	instanceRemoves  atomic.Uint64
	instanceRenews   atomic.Uint64
	sweepRuns        atomic.Uint64
	sweepReclaimed   atomic.Uint64
	proxySyncs       atomic.Uint64
	proxySyncErrors  atomic.Uint64
	portsAvailable   atomic.Int64
	portsIssued      atomic.Int64
	mu               sync.RWMutex
	pathCount        map[string]uint64
	latencyBuckets   map[float64]uint64
	latencyInf       uint64
}

func New() *Registry {
	return &Registry{
		pathCount:      map[string]uint64{},
		latencyBuckets: map[float64]uint64{0.005: 0, 0.01: 0, 0.025: 0, 0.05: 0, 0.1: 0, 0.25: 0, 0.5: 0, 1: 0, 2.5: 0, 5: 0, 10: 0},
	}
}

func (r *Registry) IncRequest(path string) {
	r.reqTotal.Add(1)
	r.mu.Lock()
	r.pathCount[path]++
	r.mu.Unlock()
}
func (r *Registry) IncError()                { r.reqErrors.Add(1) }
func (r *Registry) IncRateLimited()          { r.rateLimited.Add(1) }
func (r *Registry) SetActiveInstances(v int) { r.instancesActive.Store(int64(v)) }
func (r *Registry) IncInstanceCreate()       { r.instanceCreates.Add(1) }
func (r *Registry) IncInstanceRemove()       { r.instanceRemoves.Add(1) }
func (r *Registry) IncInstanceRenew()        { r.instanceRenews.Add(1) }
func (r *Registry) IncSweepRun()             { r.sweepRuns.Add(1) }
func (r *Registry) AddSweepReclaimed(n int)  { r.sweepReclaimed.Add(uint64(n)) }
func (r *Registry) IncProxySync()            { r.proxySyncs.Add(1) }
func (r *Registry) IncProxySyncError()       { r.proxySyncErrors.Add(1) }

func (r *Registry) SetPortPool(available, issued int) {
	r.portsAvailable.Store(int64(available))
	r.portsIssued.Store(int64(issued))
}

func (r *Registry) ObserveRequestDuration(d time.Duration) {
	secs := d.Seconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := false
	for b := range r.latencyBuckets {
		if secs <= b {
			r.latencyBuckets[b]++
			matched = true
		}
	}
	if !matched {
		r.latencyInf++
	}
}

func (r *Registry) RenderPrometheus() string {
	var b strings.Builder
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		fmt.Fprintf(&b, "%s %d\n", name, v)
	}
	gauge := func(name, help string, v int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		fmt.Fprintf(&b, "%s %d\n", name, v)
	}

	counter("instanced_requests_total", "Total API requests", r.reqTotal.Load())
	counter("instanced_request_errors_total", "Total API request errors", r.reqErrors.Load())
	counter("instanced_rate_limited_total", "Total rate-limited requests", r.rateLimited.Load())
	gauge("instanced_instances_active", "Alive instances", r.instancesActive.Load())
	counter("instanced_instance_creates_total", "Total successful instance creations", r.instanceCreates.Load())
	counter("instanced_instance_removes_total", "Total successful instance removals", r.instanceRemoves.Load())
	counter("instanced_instance_renews_total", "Total successful instance renewals", r.instanceRenews.Load())
	counter("instanced_sweep_runs_total", "Total sweep iterations", r.sweepRuns.Load())
	counter("instanced_sweep_reclaimed_total", "Total instances reclaimed by the sweep", r.sweepReclaimed.Load())
	counter("instanced_proxy_syncs_total", "Total proxy configuration pushes", r.proxySyncs.Load())
	counter("instanced_proxy_sync_errors_total", "Total failed proxy configuration pushes", r.proxySyncErrors.Load())
	gauge("instanced_ports_available", "Ports currently available in the pool", r.portsAvailable.Load())
	gauge("instanced_ports_issued", "Ports currently issued to instances", r.portsIssued.Load())

	r.mu.RLock()
	keys := make([]string, 0, len(r.pathCount))
	for k := range r.pathCount {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	latencyBounds := make([]float64, 0, len(r.latencyBuckets))
	for bound := range r.latencyBuckets {
		latencyBounds = append(latencyBounds, bound)
	}
	sort.Float64s(latencyBounds)

	fmt.Fprintln(&b, "# HELP instanced_requests_by_path_total Requests by path")
	fmt.Fprintln(&b, "# TYPE instanced_requests_by_path_total counter")
	for _, k := range keys {
		fmt.Fprintf(&b, "instanced_requests_by_path_total{path=%q} %d\n", k, r.pathCount[k])
	}

	fmt.Fprintln(&b, "# HELP instanced_request_duration_seconds Request duration histogram")
	fmt.Fprintln(&b, "# TYPE instanced_request_duration_seconds histogram")
	cumulative := uint64(0)
	for _, bound := range latencyBounds {
		cumulative += r.latencyBuckets[bound]
		fmt.Fprintf(&b, "instanced_request_duration_seconds_bucket{le=%q} %d\n", trimFloat(bound), cumulative)
	}
	fmt.Fprintf(&b, "instanced_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", cumulative+r.latencyInf)
	fmt.Fprintf(&b, "instanced_request_duration_seconds_count %d\n", cumulative+r.latencyInf)
	r.mu.RUnlock()
	return b.String()
}

func trimFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}
