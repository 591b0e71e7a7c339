package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	_ "github.com/mswtools/msw-harvester/pkg/collect"
	_ "github.com/mswtools/msw-harvester/pkg/enrich"
)

func TestRegistryIsDefaultRegisterer(t *testing.T) {
	if Registry == nil {
		t.Fatal("Registry should not be nil")
	}
	if Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should alias the default Prometheus registerer")
	}
}

// The harvester packages register their metrics through promauto at init
// time. Importing them must make the counters visible on the default
// registry; the vectors only materialize once labeled, so only the plain
// counters can be asserted here.
func TestHarvesterMetricsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}

	for _, want := range []string{
		"harvester_collect_rows_written_total",
		"harvester_detail_cache_hits_total",
		"harvester_detail_cache_misses_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}
