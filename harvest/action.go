package harvest

import (
	"fmt"
	"os"
	"path/filepath"
)

// Action is one transformation stage. Perform receives the current batch,
// mutates it in place (stages may drop, split, or rewrite records) and
// reports whether the stage considers its work successful. Stateless stages
// are equal whenever their configuration is equal; Same captures that so
// sequences can be deduplicated.
type Action interface {
	Perform(records *[]*Metadata) bool
	Same(other Action) bool
	fmt.Stringer
}

// ActionSequence is an ordered, immutable list of stages. It is shared
// read-only across workers.
type ActionSequence struct {
	actions []Action
}

// NewActionSequence builds a sequence from stages, applied in order.
func NewActionSequence(actions ...Action) *ActionSequence {
	return &ActionSequence{actions: actions}
}

// Actions returns the stages in execution order.
func (s *ActionSequence) Actions() []Action { return s.actions }

// Run applies every stage in order to the batch. It stops at the first stage
// that reports failure and returns false; the batch is left in whatever
// state the failing stage produced.
func (s *ActionSequence) Run(records *[]*Metadata) bool {
	for _, a := range s.actions {
		if !a.Perform(records) {
			return false
		}
	}
	return true
}

func (s *ActionSequence) String() string {
	out := ""
	for i, a := range s.actions {
		if i > 0 {
			out += " -> "
		}
		out += a.String()
	}
	return out
}

/* ========================= Strip ========================= */

// StripAction unwraps the protocol envelope around harvested records. Each
// wrapped record is replaced by one new record per payload element found
// under its metadata container, carrying the identifier from the sibling
// header. Envelopes with no extractable payload (e.g. only deleted records)
// are dropped with a warning.
type StripAction struct {
	Verbose bool
}

// Perform replaces the batch with the unwrapped records.
func (a *StripAction) Perform(records *[]*Metadata) bool {
	out := make([]*Metadata, 0, len(*records))

	for _, rec := range *records {
		found := 0
		for _, recordNode := range rec.Doc().FindAll("record") {
			header := recordNode.Child("header")
			meta := recordNode.Child("metadata")
			if meta == nil || len(meta.Children) == 0 {
				continue
			}
			id := header.ChildText("identifier")
			for _, payload := range meta.Children {
				out = append(out, NewMetadata(id, rec.Prefix(), payload, rec.Origin(), false, false))
				found++
			}
		}
		if found == 0 {
			fmt.Printf("[strip] no content in envelope %q, it might contain only deleted records\n", rec.ID())
		}
	}

	*records = out
	return true
}

// Same reports stage equality; all strip actions are interchangeable.
func (a *StripAction) Same(other Action) bool {
	_, ok := other.(*StripAction)
	return ok
}

func (a *StripAction) String() string { return "strip" }

/* ========================= Save ========================= */

// SaveAction writes each record into the mirror directory for its format,
// one file per record id. When a History is attached (incremental mode) every
// written file gets an INSERT audit entry.
type SaveAction struct {
	// Dir is the mirror directory records are written into. When GroupByPrefix
	// is set, records land in Dir/<prefix>/ instead.
	Dir           string
	GroupByPrefix bool
	History       *History
	Verbose       bool
}

// Perform writes the batch to disk. Records that fail to serialize or write
// are dropped with a warning; the rest of the batch continues.
func (a *SaveAction) Perform(records *[]*Metadata) bool {
	kept := (*records)[:0]
	for _, rec := range *records {
		if err := a.save(rec); err != nil {
			fmt.Printf("[save] dropping record %q: %v\n", rec.ID(), err)
			continue
		}
		kept = append(kept, rec)
	}
	*records = kept
	return true
}

func (a *SaveAction) save(rec *Metadata) error {
	dir := a.Dir
	if a.GroupByPrefix && rec.Prefix() != "" {
		dir = filepath.Join(dir, FileNameFor(rec.Prefix()))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	name := RecordFileName(rec.ID())
	body, err := rec.Doc().Bytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, name), body, 0644); err != nil {
		return err
	}
	if a.Verbose {
		fmt.Printf("[save] %s\n", filepath.Join(dir, name))
	}
	if a.History != nil {
		if err := a.History.LogFile(name, OpInsert); err != nil {
			return err
		}
	}
	return nil
}

// Same reports stage equality: two saves into the same directory layout.
func (a *SaveAction) Same(other Action) bool {
	o, ok := other.(*SaveAction)
	return ok && o.Dir == a.Dir && o.GroupByPrefix == a.GroupByPrefix
}

func (a *SaveAction) String() string { return "save to " + a.Dir }
