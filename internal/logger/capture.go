package logger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is one captured log line with its level as the per-entry status.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Capture buffers every entry written through a captured logger so it can
// be persisted as an execution log once the run completes.
type Capture struct {
	mu      sync.Mutex
	entries []Entry
	lines   []string
}

// NewCapture derives a logger from parent whose entries are also recorded
// in memory. Output still goes to the parent's writer.
func NewCapture(parent *Logger) (*Logger, *Capture) {
	if parent == nil {
		parent = GetDefault()
	}
	c := &Capture{}

	base := parent.Entry.Logger
	log := logrus.New()
	log.SetOutput(base.Out)
	log.SetFormatter(base.Formatter)
	log.SetReportCaller(base.ReportCaller)
	level := base.GetLevel()
	if level < logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.AddHook(c)

	return &Logger{Entry: log.WithFields(parent.Entry.Data)}, c
}

// Levels implements logrus.Hook.
func (c *Capture) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (c *Capture) Fire(e *logrus.Entry) error {
	entry := Entry{Time: e.Time.UTC(), Level: strings.ToUpper(e.Level.String()), Message: e.Message}
	line := fmt.Sprintf("%s %-7s %s%s", entry.Time.Format(time.RFC3339), entry.Level, entry.Message, renderFields(e.Data))

	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.lines = append(c.lines, line)
	c.mu.Unlock()
	return nil
}

// Entries returns a copy of the captured entries.
func (c *Capture) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Blob renders the captured lines as the execution log text.
func (c *Capture) Blob() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) == 0 {
		return ""
	}
	return strings.Join(c.lines, "\n") + "\n"
}

// Reset drops everything captured so far.
func (c *Capture) Reset() {
	c.mu.Lock()
	c.entries = nil
	c.lines = nil
	c.mu.Unlock()
}

// fields that only matter to the process log
var skipFields = map[string]struct{}{"service": {}, "execution_id": {}, "ingestion_id": {}}

func renderFields(data logrus.Fields) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if _, skip := skipFields[k]; !skip {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, data[k])
	}
	return b.String()
}
