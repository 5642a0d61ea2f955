package gate

import (
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var reportPrinter = message.NewPrinter(language.English)

// FormatReport renders a human-readable gate report for one attempt. A
// rejected attempt shows, per metric, the threshold it missed and by how
// much, so an operator can decide whether to adjust the tolerance or gather
// more data.
func FormatReport(attemptID string, candidate, baseline MetricSet, result PassResult) string {
	var b strings.Builder

	verdict := "PASSED"
	if !result.Passed {
		verdict = "FAILED"
	}
	reportPrinter.Fprintf(&b, "attempt %s: %s\n", attemptID, verdict)

	names := make([]string, 0, len(baseline))
	for name := range baseline {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value, present := candidate[name]
		if !present {
			reportPrinter.Fprintf(&b, "  %-12s missing (baseline %.4f)  FAIL\n", name, baseline[name])
			continue
		}
		mark := "ok"
		if !result.PerMetric[name] {
			mark = "FAIL"
		}
		reportPrinter.Fprintf(&b, "  %-12s %.4f  threshold %.4f  margin %+.4f  %s\n",
			name, value, result.Thresholds[name], result.Margins[name], mark)
	}

	if dice, ok := candidate["val_dice"]; ok {
		reportPrinter.Fprintf(&b, "  quality band: %s\n", BandFor(dice))
	}

	return b.String()
}

// FormatBaseline renders the current production reference for the CLI tools.
func FormatBaseline(identifier string, metrics MetricSet) string {
	var b strings.Builder
	reportPrinter.Fprintf(&b, "production baseline: %s\n", identifier)

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		reportPrinter.Fprintf(&b, "  %-12s %.4f\n", name, metrics[name])
	}
	if dice, ok := metrics["val_dice"]; ok {
		reportPrinter.Fprintf(&b, "  quality band: %s\n", BandFor(dice))
	}
	return b.String()
}
