package stats

import (
	"sort"
	"sync"
	"time"
)

// EndpointStats are the counters for one route.
type EndpointStats struct {
	Endpoint string    `json:"endpoint"`
	Count    int64     `json:"count"`
	Success  int64     `json:"success"`
	Error    int64     `json:"error"`
	LastSeen time.Time `json:"last_seen"`
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	TotalRequests int64           `json:"total_requests"`
	TotalSuccess  int64           `json:"total_success"`
	TotalErrors   int64           `json:"total_errors"`
	Endpoints     []EndpointStats `json:"endpoints"`
}

// Collector counts requests per endpoint in memory. Counters reset on
// restart; there is deliberately no persistence.
type Collector struct {
	mu        sync.Mutex
	startedAt time.Time
	endpoints map[string]*EndpointStats
}

func NewCollector() *Collector {
	return &Collector{
		startedAt: time.Now(),
		endpoints: map[string]*EndpointStats{},
	}
}

// Record counts one finished request against an endpoint.
func (c *Collector) Record(endpoint string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.endpoints[endpoint]
	if !found {
		e = &EndpointStats{Endpoint: endpoint}
		c.endpoints[endpoint] = e
	}
	e.Count++
	if ok {
		e.Success++
	} else {
		e.Error++
	}
	e.LastSeen = time.Now()
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		StartedAt:     c.startedAt,
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
		Endpoints:     make([]EndpointStats, 0, len(c.endpoints)),
	}
	for _, e := range c.endpoints {
		snap.TotalRequests += e.Count
		snap.TotalSuccess += e.Success
		snap.TotalErrors += e.Error
		snap.Endpoints = append(snap.Endpoints, *e)
	}
	sort.Slice(snap.Endpoints, func(i, j int) bool {
		return snap.Endpoints[i].Endpoint < snap.Endpoints[j].Endpoint
	})
	return snap
}
