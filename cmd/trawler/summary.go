package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/castnet/trawler/internal/engine"
)

var (
	summaryBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 2)
	summaryTitleStyle = lipgloss.NewStyle().Bold(true)
	summaryOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	summaryErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	summaryKeyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// maxSummaryErrors caps the error lines in the rendered summary; the
// full set is always in the logs.
const maxSummaryErrors = 8

// renderSummary turns an engine result into the end-of-run box printed
// on stdout.
func renderSummary(pipeline string, res *engine.Result) string {
	var b strings.Builder

	status := summaryOKStyle.Render("ok")
	if !res.Success() {
		status = summaryErrStyle.Render(fmt.Sprintf("%d errors", len(res.Errors)))
	}
	b.WriteString(summaryTitleStyle.Render(fmt.Sprintf("trawler %s", pipeline)))
	b.WriteString("  " + status + "\n\n")

	writeKV(&b, "sites processed", fmt.Sprintf("%d", res.SitesProcessed))
	switch pipeline {
	case "paginate":
		writeKV(&b, "urls collected", fmt.Sprintf("%d", res.TotalURLs))
		writeSiteCounts(&b, res.URLsBySite)
	case "scrape":
		writeKV(&b, "items scraped", fmt.Sprintf("%d", res.ItemsScraped))
		writeSiteCounts(&b, res.ItemsBySite)
	}

	cs := res.CacheStats
	if cs.Hits+cs.Misses > 0 {
		writeKV(&b, "cache", fmt.Sprintf("%d hits / %d misses, %s saved",
			cs.Hits, cs.Misses, humanBytes(cs.BytesSaved)))
	}
	writeKV(&b, "duration", res.Duration.Round(10*time.Millisecond).String())

	if len(res.Errors) > 0 {
		b.WriteString("\n")
		keys := make([]string, 0, len(res.Errors))
		for k := range res.Errors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		shown := keys
		if len(shown) > maxSummaryErrors {
			shown = shown[:maxSummaryErrors]
		}
		for _, k := range shown {
			b.WriteString(summaryErrStyle.Render("✗ ") + k + summaryKeyStyle.Render(": "+res.Errors[k]) + "\n")
		}
		if extra := len(keys) - len(shown); extra > 0 {
			b.WriteString(summaryKeyStyle.Render(fmt.Sprintf("… and %d more (see logs)\n", extra)))
		}
	}

	return summaryBoxStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

func writeKV(b *strings.Builder, key, value string) {
	b.WriteString(summaryKeyStyle.Render(key+": ") + value + "\n")
}

func writeSiteCounts(b *strings.Builder, counts map[string]int) {
	domains := make([]string, 0, len(counts))
	for d := range counts {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		b.WriteString(summaryKeyStyle.Render("  "+d+": ") + fmt.Sprintf("%d", counts[d]) + "\n")
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
