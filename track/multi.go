package track

import (
	"errors"
	"io"

	"github.com/densemark/uvtrain/training"
)

// Discard drops every report.
var Discard training.Reporter = training.NopReporter{}

// MultiReporter fans every report out to each wrapped reporter.
type MultiReporter struct {
	reporters []training.Reporter
}

// NewMultiReporter combines reporters into one. Nil entries are skipped.
func NewMultiReporter(reporters ...training.Reporter) *MultiReporter {
	kept := make([]training.Reporter, 0, len(reporters))
	for _, reporter := range reporters {
		if reporter != nil {
			kept = append(kept, reporter)
		}
	}
	return &MultiReporter{reporters: kept}
}

func (m *MultiReporter) ReportScalar(title, series string, iteration int, value float64) {
	for _, reporter := range m.reporters {
		reporter.ReportScalar(title, series, iteration, value)
	}
}

func (m *MultiReporter) ReportHistogram(title, series string, iteration int, values []float64, labels []string, xaxis, yaxis string) {
	for _, reporter := range m.reporters {
		reporter.ReportHistogram(title, series, iteration, values, labels, xaxis, yaxis)
	}
}

// Close closes every wrapped reporter that supports closing.
func (m *MultiReporter) Close() error {
	var errs []error
	for _, reporter := range m.reporters {
		if closer, ok := reporter.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
