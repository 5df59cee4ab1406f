package observability

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
)

// PrometheusExporter serves metrics in Prometheus text exposition format.
type PrometheusExporter struct {
	registry *Registry
}

// NewPrometheusExporter creates a new exporter backed by the given registry.
func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	return &PrometheusExporter{registry: registry}
}

// ServeHTTP implements http.Handler for the /metrics endpoint.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(e.Format()))
}

// Format returns all metrics in Prometheus text exposition format.
//
// Output follows https://prometheus.io/docs/instrumenting/exposition_formats/
//
//	# HELP <name> <help>
//	# TYPE <name> <type>
//	<name>{labels} <value>
func (e *PrometheusExporter) Format() string {
	var b strings.Builder

	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()

	// --- Counters ---
	names, counters := groupByName(e.registry.counters, func(c *Counter) string { return c.name })
	for _, name := range names {
		series := counters[name]
		b.WriteString(fmt.Sprintf("# HELP %s %s\n", name, series[0].help))
		b.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
		for _, c := range series {
			b.WriteString(fmt.Sprintf("%s%s %s\n", name, formatLabels(c.labels), formatFloat(c.Value())))
		}
		b.WriteByte('\n')
	}

	// --- Gauges ---
	names, gauges := groupByName(e.registry.gauges, func(g *Gauge) string { return g.name })
	for _, name := range names {
		series := gauges[name]
		b.WriteString(fmt.Sprintf("# HELP %s %s\n", name, series[0].help))
		b.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
		for _, g := range series {
			b.WriteString(fmt.Sprintf("%s%s %s\n", name, formatLabels(g.labels), formatFloat(g.Value())))
		}
		b.WriteByte('\n')
	}

	// --- Histograms ---
	names, hists := groupByName(e.registry.histograms, func(h *Histogram) string { return h.name })
	for _, name := range names {
		series := hists[name]
		b.WriteString(fmt.Sprintf("# HELP %s %s\n", name, series[0].help))
		b.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))

		for _, h := range series {
			buckets, counts, sum, count := h.BucketCounts()
			lblStr := formatLabels(h.labels)

			// Per-bucket lines: <name>_bucket{le="<bound>",..} <cumulative_count>
			for i, bound := range buckets {
				leLabel := addLabel(h.labels, "le", formatFloat(bound))
				b.WriteString(fmt.Sprintf("%s_bucket%s %d\n", name, leLabel, counts[i]))
			}
			infLabel := addLabel(h.labels, "le", "+Inf")
			b.WriteString(fmt.Sprintf("%s_bucket%s %d\n", name, infLabel, count))

			b.WriteString(fmt.Sprintf("%s_sum%s %s\n", name, lblStr, formatFloat(sum)))
			b.WriteString(fmt.Sprintf("%s_count%s %d\n", name, lblStr, count))
		}
		b.WriteByte('\n')
	}

	return b.String()
}

// groupByName groups series by metric name so each name gets a single
// HELP/TYPE header. Names and the series within a name are sorted.
func groupByName[V any](m map[string]V, name func(V) string) ([]string, map[string][]V) {
	groups := make(map[string][]V)
	for _, key := range sortedKeys(m) {
		v := m[key]
		groups[name(v)] = append(groups[name(v)], v)
	}
	return sortedKeys(groups), groups
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

// formatLabels returns a Prometheus label string like {k1="v1",k2="v2"}.
// Returns an empty string if there are no labels.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// addLabel returns a label string with an extra key=value pair merged in.
func addLabel(base map[string]string, key, value string) string {
	merged := make(map[string]string, len(base)+1)
	for k, v := range base {
		merged[k] = v
	}
	merged[key] = value
	return formatLabels(merged)
}

// formatFloat formats a float64 for Prometheus output.
// Integers are printed without decimal points; others get up to 6 significant digits.
func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	if math.IsInf(v, -1) {
		return "-Inf"
	}
	if math.IsNaN(v) {
		return "NaN"
	}
	// If it's a whole number, render without decimals.
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return fmt.Sprintf("%g", v)
	}
	return fmt.Sprintf("%g", v)
}
