package harvest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Operations recorded in the history audit trail.
const (
	OpInsert = "INSERT"
	OpDelete = "DELETE"
)

// History is the append-only audit trail for one provider: one entry per
// mirror file inserted or deleted, plus one summary entry per run. Entries
// are only ever appended, never rewritten.
type History struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewHistory opens the audit trail file for a provider under workDir. The
// file is created lazily on first append.
func NewHistory(workDir string, p *Provider) *History {
	return &History{
		path: filepath.Join(workDir, "history-"+p.FileName()+".xml"),
		now:  time.Now,
	}
}

// Path returns the location of the history file.
func (h *History) Path() string { return h.path }

// LogFile appends one per-file entry (operation is OpInsert or OpDelete).
func (h *History) LogFile(name, operation string) error {
	line := fmt.Sprintf("<file harvestDate=%q name=%q operation=%q/>\n",
		h.now().UTC().Format("2006-01-02"), name, operation)
	return h.append(line)
}

// LogHarvest appends the run-level summary entry.
func (h *History) LogHarvest(elapsed time.Duration, requests, collected int) error {
	line := fmt.Sprintf("<harvest date=%q operationTime=%q requestsToServer=\"%d\" collectedRecords=\"%d\"/>\n",
		h.now().UTC().Format("2006-01-02"), fmt.Sprintf("%.1fs", elapsed.Seconds()), requests, collected)
	return h.append(line)
}

func (h *History) append(line string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return err
	}
	return f.Sync()
}
