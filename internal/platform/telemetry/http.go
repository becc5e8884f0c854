package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// metricHelp documents the series the server emits. Unlisted names still
// export, with a generic help line.
var metricHelp = map[string]string{
	"signal.inbound":               "Inbound signaling events by event name.",
	"signal.failure":               "Signaling events that were not applied, by failure kind.",
	"signal.outbound.dropped":      "Outbound frames dropped on a full client buffer, by event name.",
	"consultation.request":         "Consultation requests by outcome.",
	"consultation.response":        "Doctor responses by outcome.",
	"consultation.ended":           "Ended consultations by reason.",
	"presence.connections":         "Registered signaling connections.",
	"consultation.sessions.live":   "Live consultation sessions.",
	"consultation.invites.pending": "Invites awaiting a doctor's answer.",
	"http.server.active_requests":  "Number of active HTTP requests.",
}

// MetricsMiddleware records active requests and request durations keyed by
// method, route pattern and status.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() || c.IsWebSocket() {
				return next(c)
			}

			tp.gauges.add("http.server.active_requests", 1)
			start := time.Now()

			err := next(c)

			tp.gauges.add("http.server.active_requests", -1)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			tp.observeRequest(LabelsKey(c.Request().Method, route, fmt.Sprintf("%d", status)), time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves every metric in Prometheus text exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		fmt.Fprintf(&b, "# HELP service_info Service identity.\n# TYPE service_info gauge\n")
		fmt.Fprintf(&b, "service_info{service=%q,version=%q,environment=%q} 1\n\n",
			tp.cfg.ServiceName, tp.cfg.ServiceVersion, tp.cfg.Environment)

		tp.writeCounters(&b)
		tp.writeGauges(&b)
		tp.writeDurations(&b)

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func (tp *TelemetryProvider) writeCounters(b *strings.Builder) {
	byName := make(map[string]map[string]int64)
	for key, val := range tp.counters.snapshot() {
		parts := strings.SplitN(key, "|", 2)
		if len(parts) != 2 {
			continue
		}
		if byName[parts[0]] == nil {
			byName[parts[0]] = make(map[string]int64)
		}
		byName[parts[0]][parts[1]] = val
	}

	for _, name := range sortedKeys(byName) {
		prom := promName(name) + "_total"
		writeHeader(b, prom, name, "counter")
		series := byName[name]
		labels := make([]string, 0, len(series))
		for l := range series {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, l := range labels {
			fmt.Fprintf(b, "%s{label=%q} %d\n", prom, l, series[l])
		}
		b.WriteByte('\n')
	}
}

func (tp *TelemetryProvider) writeGauges(b *strings.Builder) {
	gauges := tp.gauges.snapshot()
	names := make([]string, 0, len(gauges))
	for n := range gauges {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		prom := promName(name)
		writeHeader(b, prom, name, "gauge")
		fmt.Fprintf(b, "%s %d\n\n", prom, gauges[name])
	}
}

func (tp *TelemetryProvider) writeDurations(b *strings.Builder) {
	const name = "http_server_request_duration_seconds"
	fmt.Fprintf(b, "# HELP %s Duration of HTTP requests in seconds.\n# TYPE %s histogram\n", name, name)

	tp.histMu.RLock()
	snap := make(map[string]*histogram, len(tp.histograms))
	for k, h := range tp.histograms {
		snap[k] = h
	}
	tp.histMu.RUnlock()

	for _, key := range sortedKeys(snap) {
		parts := strings.SplitN(key, "|", 3)
		if len(parts) != 3 {
			continue
		}
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		h := snap[key]
		cum := h.cumulativeBuckets()
		for i, boundary := range h.boundaries {
			fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
		}
		fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count())
		fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
		fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.Count())
	}
	b.WriteByte('\n')
}

func writeHeader(b *strings.Builder, prom, name, typ string) {
	help, ok := metricHelp[name]
	if !ok {
		help = "Signaling metric " + name + "."
	}
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", prom, help, prom, typ)
}

// promName converts a dotted metric name to a Prometheus identifier.
func promName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
