package stats

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const defaultTimeout = 5 * time.Second

// Metric family names exported by the server.
const (
	famChannels   = "tunnelvision_channels_current"
	famSessions   = "tunnelvision_sessions_current"
	famBroadcasts = "tunnelvision_broadcasts_total"
	famUpdates    = "tunnelvision_updates_total"
	famEvents     = "tunnelvision_events_relayed_total"
	famEvicted    = "tunnelvision_sessions_evicted_total"
	famDropped    = "tunnelvision_frames_dropped_total"
	famQueue      = "tunnelvision_dispatch_queue_depth"
)

// Report is a point-in-time summary of server activity.
type Report struct {
	Channels      float64
	Viewers       float64
	Hosts         float64
	Broadcasts    float64
	EventsRelayed float64
	QueueDepth    float64
	Updates       map[string]float64 // by kind
	Evicted       map[string]float64 // by role
	FramesDropped map[string]float64 // by reason
}

// Fetch GETs url (a /metrics endpoint) and returns the parsed metric families.
// A nil client uses a default client with a short timeout.
func Fetch(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("stats: build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stats: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats: get %s: unexpected status %d", url, resp.StatusCode)
	}
	return Parse(resp.Body)
}

// Parse decodes a Prometheus text exposition. A partial parse with at least
// one family is treated as success.
func Parse(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("stats: parse prometheus text: %w", err)
	}
	return mfs, nil
}

// Summarise folds metric families into a Report. Missing families read as zero.
func Summarise(mfs map[string]*dto.MetricFamily) Report {
	sessions := byLabel(mfs[famSessions], "role")
	return Report{
		Channels:      sum(mfs[famChannels]),
		Viewers:       sessions["viewer"],
		Hosts:         sessions["host"],
		Broadcasts:    sum(mfs[famBroadcasts]),
		EventsRelayed: sum(mfs[famEvents]),
		QueueDepth:    sum(mfs[famQueue]),
		Updates:       byLabel(mfs[famUpdates], "kind"),
		Evicted:       byLabel(mfs[famEvicted], "role"),
		FramesDropped: byLabel(mfs[famDropped], "reason"),
	}
}

// Write prints r as a two-column table.
func (r Report) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"channels", num(r.Channels)},
		{"viewers", num(r.Viewers)},
		{"hosts", num(r.Hosts)},
		{"broadcasts", num(r.Broadcasts)},
		{"events relayed", num(r.EventsRelayed)},
		{"dispatch queue", num(r.QueueDepth)},
	}
	rows = append(rows, labelled("updates", r.Updates)...)
	rows = append(rows, labelled("evicted", r.Evicted)...)
	rows = append(rows, labelled("dropped frames", r.FramesDropped)...)
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\n", row[0], row[1])
	}
	return tw.Flush()
}

// --- internal ---------------------------------------------------------------

// sum adds up all counter, gauge or untyped values in mf; nil reads as 0.
func sum(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		total += value(m)
	}
	return total
}

func byLabel(mf *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	if mf == nil {
		return out
	}
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				out[lp.GetValue()] += value(m)
			}
		}
	}
	return out
}

func value(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	}
	return 0
}

func labelled(prefix string, m map[string]float64) [][2]string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{prefix + " (" + k + ")", num(m[k])})
	}
	return out
}

func num(v float64) string { return fmt.Sprintf("%.0f", v) }
