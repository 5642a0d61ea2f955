package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Exporter mirrors the production baseline into tracked JSON files:
// production_current.json holds the active record and
// production_history.jsonl grows one line per promotion. Other tooling in
// the project (dashboards, notebooks) reads these files directly.
type Exporter struct {
	dir string
}

// NewExporter creates the export directory if needed.
func NewExporter(dir string) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Exporter{dir: dir}, nil
}

// WriteCurrent replaces production_current.json. Written to a temp file and
// renamed so readers never see a partial document.
func (e *Exporter) WriteCurrent(b *Baseline) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}

	target := filepath.Join(e.dir, "production_current.json")
	tmp, err := os.CreateTemp(e.dir, "production_current-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// AppendHistory appends one line to production_history.jsonl.
func (e *Exporter) AppendHistory(b *Baseline) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(e.dir, "production_history.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// Record mirrors a promotion into both files.
func (e *Exporter) Record(b *Baseline) error {
	if err := e.WriteCurrent(b); err != nil {
		return err
	}
	return e.AppendHistory(b)
}
