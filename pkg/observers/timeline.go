package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/metrics"
)

// TimelineObserver writes a per-call JSONL event trace under dir, one
// file per call identifier.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

type timelineEvent struct {
	Time   time.Time         `json:"time"`
	Event  string            `json:"event"`
	Value  float64           `json:"value,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

func (o *TimelineObserver) Observe(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	callID := ev.Labels["call_id"]
	if callID == "" {
		callID = ev.Labels["campaign_id"]
	}
	if callID == "" {
		return
	}

	entry := timelineEvent{
		Time:   ev.At.UTC(),
		Event:  ev.Name,
		Value:  ev.Value,
		Labels: copyLabels(ev.Labels),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f := o.fileFor(callID)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

// Close closes any open trace files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

func (o *TimelineObserver) fileFor(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(o.dir, safe+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func copyLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
