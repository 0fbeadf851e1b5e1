// Package track records training metrics. A Run captures every reported
// value as one JSON line on disk, the sidecar reporter forwards metrics to a
// live dashboard over HTTP, and reporters compose so one session can feed
// several sinks at once.
package track

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DescriptorFileName is the run descriptor written next to the events.
	DescriptorFileName = "run.json"
	// EventsFileName is the append-only metric log inside a run directory.
	EventsFileName = "events.jsonl"
)

// Event is one recorded metric. Scalars carry Value; histograms carry
// Values and the optional per-value Labels and axis names.
type Event struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Series    string    `json:"series"`
	Iteration int       `json:"iteration"`
	Value     float64   `json:"value"`
	Values    []float64 `json:"values,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
	XAxis     string    `json:"xaxis,omitempty"`
	YAxis     string    `json:"yaxis,omitempty"`
}

// Descriptor identifies a run and the settings it was started with.
type Descriptor struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	CreatedAt       time.Time              `json:"created_at"`
	Hyperparameters map[string]interface{} `json:"hyperparameters,omitempty"`
}

// RunConfig configures a new run.
type RunConfig struct {
	// Dir is the parent directory; the run creates its own subdirectory
	// named after its ID.
	Dir string

	// Name is a human-readable label stored in the descriptor.
	Name string

	// Hyperparameters are recorded verbatim in the descriptor.
	Hyperparameters map[string]interface{}
}

// Run is a training run directory with an append-only JSONL event log.
// It implements the training Reporter interface.
type Run struct {
	descriptor Descriptor
	dir        string

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	events int
	err    error
	closed bool
}

// NewRun creates the run directory, writes its descriptor and opens the
// event log.
func NewRun(config RunConfig) (*Run, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("run directory cannot be empty")
	}
	name := config.Name
	if name == "" {
		name = "run"
	}

	descriptor := Descriptor{
		ID:              uuid.New().String(),
		Name:            name,
		CreatedAt:       time.Now(),
		Hyperparameters: config.Hyperparameters,
	}

	dir := filepath.Join(config.Dir, descriptor.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %v", err)
	}

	payload, err := json.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode run descriptor: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, DescriptorFileName), payload, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write run descriptor: %v", err)
	}

	file, err := os.Create(filepath.Join(dir, EventsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %v", err)
	}

	return &Run{
		descriptor: descriptor,
		dir:        dir,
		file:       file,
		writer:     bufio.NewWriter(file),
	}, nil
}

// ID returns the run's unique identifier.
func (r *Run) ID() string {
	return r.descriptor.ID
}

// Dir returns the run directory.
func (r *Run) Dir() string {
	return r.dir
}

// Events returns how many events have been recorded.
func (r *Run) Events() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

// Err returns the first write error, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// ReportScalar appends a scalar event to the log.
func (r *Run) ReportScalar(title, series string, iteration int, value float64) {
	r.append(Event{
		Kind:      "scalar",
		Title:     title,
		Series:    series,
		Iteration: iteration,
		Value:     value,
	})
}

// ReportHistogram appends a histogram event to the log.
func (r *Run) ReportHistogram(title, series string, iteration int, values []float64, labels []string, xaxis, yaxis string) {
	r.append(Event{
		Kind:      "histogram",
		Title:     title,
		Series:    series,
		Iteration: iteration,
		Values:    values,
		Labels:    labels,
		XAxis:     xaxis,
		YAxis:     yaxis,
	})
}

func (r *Run) append(event Event) {
	event.Time = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.err != nil {
		return
	}

	line, err := json.Marshal(event)
	if err != nil {
		r.err = fmt.Errorf("failed to encode event: %v", err)
		return
	}
	if _, err := r.writer.Write(line); err != nil {
		r.err = fmt.Errorf("failed to write event: %v", err)
		return
	}
	if err := r.writer.WriteByte('\n'); err != nil {
		r.err = fmt.Errorf("failed to write event: %v", err)
		return
	}
	r.events++
}

// Flush forces buffered events onto disk.
func (r *Run) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if err := r.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush event log: %v", err)
	}
	return r.err
}

// Close flushes and closes the event log. Further reports are dropped.
func (r *Run) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	flushErr := r.writer.Flush()
	closeErr := r.file.Close()
	if r.err != nil {
		return r.err
	}
	if flushErr != nil {
		return fmt.Errorf("failed to flush event log: %v", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close event log: %v", closeErr)
	}
	return nil
}

// ReadDescriptor loads the descriptor from a run directory.
func ReadDescriptor(dir string) (*Descriptor, error) {
	payload, err := os.ReadFile(filepath.Join(dir, DescriptorFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read run descriptor: %v", err)
	}

	var descriptor Descriptor
	if err := json.Unmarshal(payload, &descriptor); err != nil {
		return nil, fmt.Errorf("failed to decode run descriptor: %v", err)
	}
	return &descriptor, nil
}

// ReadEvents loads every event from a run directory's log.
func ReadEvents(dir string) ([]Event, error) {
	file, err := os.Open(filepath.Join(dir, EventsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %v", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %v", len(events), err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %v", err)
	}
	return events, nil
}
