package harvest

import (
	"os"
	"testing"
	"time"
)

func TestHistoryEntryFormats(t *testing.T) {
	p := &Provider{Name: "acme"}
	h := NewHistory(t.TempDir(), p)
	h.now = func() time.Time { return time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC) }

	if err := h.LogFile("rec-1.xml", OpInsert); err != nil {
		t.Fatal(err)
	}
	if err := h.LogFile("rec-2.xml", OpDelete); err != nil {
		t.Fatal(err)
	}
	if err := h.LogHarvest(83*time.Second+400*time.Millisecond, 12, 110); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(h.Path())
	if err != nil {
		t.Fatal(err)
	}
	want := `<file harvestDate="2026-08-23" name="rec-1.xml" operation="INSERT"/>` + "\n" +
		`<file harvestDate="2026-08-23" name="rec-2.xml" operation="DELETE"/>` + "\n" +
		`<harvest date="2026-08-23" operationTime="83.4s" requestsToServer="12" collectedRecords="110"/>` + "\n"
	if string(b) != want {
		t.Errorf("history file:\n%s\nwant:\n%s", b, want)
	}
}

func TestHistoryAppendsAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	p := &Provider{Name: "acme"}

	first := NewHistory(dir, p)
	if err := first.LogFile("a.xml", OpInsert); err != nil {
		t.Fatal(err)
	}
	// A later run opens the same trail and must only ever append.
	second := NewHistory(dir, p)
	if err := second.LogFile("b.xml", OpInsert); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(second.Path())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(splitLines(string(b))); got != 2 {
		t.Fatalf("got %d entries, want 2:\n%s", got, b)
	}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
