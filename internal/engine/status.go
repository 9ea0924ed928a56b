package engine

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"klinehub/internal/history"
	"klinehub/internal/telemetry"
)

// RenderStatus 渲染批次健康表与非零计数器。
func RenderStatus(snap telemetry.Snapshot) string {
	batches := table.NewWriter()
	batches.SetStyle(table.StyleLight)
	batches.AppendHeader(table.Row{"batch", "kind", "streams", "up", "messages", "reconnects", "last close"})
	for _, b := range snap.Batches {
		last := "-"
		if !b.LastClose.IsZero() {
			last = b.LastClose.Format(time.RFC3339)
			if b.LastCloseCode != 0 {
				last += " (" + strings.TrimSpace(strconv.Itoa(b.LastCloseCode)+" "+b.LastCloseReason) + ")"
			}
		}
		batches.AppendRow(table.Row{b.ID, b.Kind, b.Streams, b.Connected, b.Messages, b.ReconnectCount, last})
	}

	names := make([]string, 0, len(snap.Counters))
	for name, v := range snap.Counters {
		if v != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	counters := table.NewWriter()
	counters.SetStyle(table.StyleLight)
	counters.AppendHeader(table.Row{"counter", "value"})
	for _, name := range names {
		counters.AppendRow(table.Row{name, snap.Counters[name]})
	}

	var b strings.Builder
	b.WriteString(batches.Render())
	b.WriteByte('\n')
	b.WriteString(counters.Render())
	if snap.LastParseError != "" {
		b.WriteString("\nlast parse error: " + snap.LastParseError)
	}
	if snap.LastRejection != "" {
		b.WriteString("\nlast rejection: " + snap.LastRejection)
	}
	return b.String()
}

// RenderJobs 渲染回填任务汇总。
func RenderJobs(jobs []history.Job) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"symbol", "tf", "status", "bars", "pages", "stop", "gaps", "message"})
	for _, j := range jobs {
		t.AppendRow(table.Row{j.Params.Symbol, j.Params.Timeframe, j.Status, j.Fetched, j.Pages, j.Stop, len(j.Missing), j.Message})
	}
	return t.Render()
}
