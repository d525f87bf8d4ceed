// Package metrics exposes chain node counts and exporter self-metrics to
// Prometheus.
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/registry"
)

// CensusSource is the read side of a chain registry.
type CensusSource interface {
	Name() string
	Census() registry.Census
}

type chainGauges struct {
	source            CensusSource
	nodes             map[registry.Classification]prometheus.Gauge
	alive             *prometheus.GaugeVec
	timeFromLastEvent prometheus.Gauge
}

// Aggregator is a prometheus.Collector that recomputes the node gauges of
// every chain from its registry on each scrape. Gauges are set, never
// incremented, so a node that goes silent drops out at the next scrape
// without any feed event.
type Aggregator struct {
	mu     sync.Mutex
	chains map[string]*chainGauges
	order  []string
}

// NewAggregator creates an aggregator with no chains.
func NewAggregator() *Aggregator {
	return &Aggregator{chains: make(map[string]*chainGauges)}
}

// MetricPrefix turns a chain name into a metric name prefix: lower case with
// every character outside [a-z0-9_] replaced by an underscore.
func MetricPrefix(chain string) string {
	var b strings.Builder
	for i, r := range strings.ToLower(chain) {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// AddChain starts exporting the given chain. Two chains whose names map to the
// same metric prefix cannot both be exported.
func (a *Aggregator) AddChain(src CensusSource) error {
	chain := src.Name()
	prefix := MetricPrefix(chain)

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, existing := range a.chains {
		if MetricPrefix(existing.source.Name()) == prefix {
			return fmt.Errorf("chain %q collides with %q on metric prefix %q", chain, existing.source.Name(), prefix)
		}
	}

	g := &chainGauges{
		source: src,
		nodes:  make(map[registry.Classification]prometheus.Gauge, 3),
		alive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_node_alive",
			Help: fmt.Sprintf("Whether a node of the %s network reported within the inactivity threshold", chain),
		}, []string{"type", "name"}),
		timeFromLastEvent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_time_from_last_event",
			Help: fmt.Sprintf("Seconds between the last two telemetry frames received for the %s network", chain),
		}),
	}
	for _, class := range registry.Classifications() {
		g.nodes[class] = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_%s_nodes", prefix, class),
			Help: fmt.Sprintf("Total number of %s nodes available on the %s network", class, chain),
		})
	}

	a.chains[chain] = g
	a.order = append(a.order, chain)
	return nil
}

// SetTimeFromLastEvent records the gap between the two most recent frames of
// a chain. Unknown chains are ignored.
func (a *Aggregator) SetTimeFromLastEvent(chain string, gap time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if g, ok := a.chains[chain]; ok {
		g.timeFromLastEvent.Set(gap.Seconds())
	}
}

// Describe implements prometheus.Collector.
func (a *Aggregator) Describe(ch chan<- *prometheus.Desc) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, chain := range a.order {
		g := a.chains[chain]
		for _, class := range registry.Classifications() {
			g.nodes[class].Describe(ch)
		}
		g.alive.Describe(ch)
		g.timeFromLastEvent.Describe(ch)
	}
}

// Collect implements prometheus.Collector. It recomputes every node gauge
// before emitting it.
func (a *Aggregator) Collect(ch chan<- prometheus.Metric) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, chain := range a.order {
		g := a.chains[chain]
		g.recompute()
		for _, class := range registry.Classifications() {
			g.nodes[class].Collect(ch)
		}
		g.alive.Collect(ch)
		g.timeFromLastEvent.Collect(ch)
	}
}

func (g *chainGauges) recompute() {
	census := g.source.Census()

	live := make(map[registry.Classification]int, 3)
	alive := make(map[[2]string]bool)
	for _, n := range census.Nodes {
		key := [2]string{string(n.Class), n.Name}
		if n.Alive {
			live[n.Class]++
			alive[key] = true
		} else if _, seen := alive[key]; !seen {
			alive[key] = false
		}
	}

	for _, class := range registry.Classifications() {
		g.nodes[class].Set(float64(live[class]))
	}

	g.alive.Reset()
	for key, up := range alive {
		v := 0.0
		if up {
			v = 1
		}
		g.alive.WithLabelValues(key[0], key[1]).Set(v)
	}
}
