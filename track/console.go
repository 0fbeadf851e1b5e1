package track

import (
	"log/slog"
)

// ConsoleReporter logs metrics through a structured logger.
type ConsoleReporter struct {
	logger *slog.Logger
}

// NewConsoleReporter wraps the given logger; nil falls back to the default.
func NewConsoleReporter(logger *slog.Logger) *ConsoleReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleReporter{logger: logger}
}

func (c *ConsoleReporter) ReportScalar(title, series string, iteration int, value float64) {
	c.logger.Info("metric",
		"title", title,
		"series", series,
		"iteration", iteration,
		"value", value)
}

func (c *ConsoleReporter) ReportHistogram(title, series string, iteration int, values []float64, labels []string, xaxis, yaxis string) {
	summary := Summarize(values)
	c.logger.Info("histogram",
		"title", title,
		"series", series,
		"iteration", iteration,
		"count", summary.Count,
		"mean", summary.Mean,
		"stddev", summary.StdDev,
		"min", summary.Min,
		"max", summary.Max,
		"median", summary.Median)
}
