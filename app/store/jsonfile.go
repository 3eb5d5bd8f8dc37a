package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"
)

// JSONFile keeps all jobs in a single json document, rewritten on every mutation.
// Writes go to a temp file in the same directory and renamed over the state file,
// so readers see either the previous or the next complete document.
type JSONFile struct {
	path   string
	strict bool
}

// document is the on-disk layout
type document struct {
	Jobs      map[string]Record `json:"jobs"`
	UpdatedAt *time.Time        `json:"updatedAt,omitempty"`
}

// NewJSONFile makes JSONFile backend for path, creating the directory and an empty document if missing.
// In strict mode unreadable or corrupted state is reported as ErrCorrupt, otherwise the broken file
// is moved aside to <path>.corrupt-<ts> and the store starts empty.
func NewJSONFile(path string, strict bool) (*JSONFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to make state directory for %s: %w", path, err)
	}
	res := &JSONFile{path: path, strict: strict}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := res.save(document{Jobs: map[string]Record{}}); err != nil {
			return nil, fmt.Errorf("failed to initialize state file: %w", err)
		}
	}
	return res, nil
}

// Read returns a single job from the document
func (f *JSONFile) Read(jobID string) (rec Record, found bool, err error) {
	doc, err := f.load()
	if err != nil {
		return Record{}, false, err
	}
	rec, found = doc.Jobs[jobID]
	return rec, found, nil
}

// Mutate loads the whole document, applies fn to the job and writes the whole document back
func (f *JSONFile) Mutate(jobID string, fn func(rec *Record, found bool) error) (Record, error) {
	doc, err := f.load()
	if err != nil {
		return Record{}, err
	}
	rec, found := doc.Jobs[jobID]
	if err = fn(&rec, found); err != nil {
		return Record{}, err
	}
	doc.Jobs[jobID] = rec
	now := time.Now().UTC()
	doc.UpdatedAt = &now
	if err = f.save(doc); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// All returns all jobs from the document in no particular order
func (f *JSONFile) All() ([]Record, error) {
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	res := make([]Record, 0, len(doc.Jobs))
	for _, rec := range doc.Jobs {
		res = append(res, rec)
	}
	return res, nil
}

// Close does nothing, the file is not kept open
func (f *JSONFile) Close() error { return nil }

func (f *JSONFile) String() string {
	return fmt.Sprintf("json:%s (strict:%v)", f.path, f.strict)
}

func (f *JSONFile) load() (document, error) {
	empty := document{Jobs: map[string]Record{}}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		if f.strict {
			return document{}, fmt.Errorf("%w: can't read %s: %v", ErrCorrupt, f.path, err)
		}
		log.Printf("[WARN] can't read state file %s, treated as empty: %v", f.path, err)
		return empty, nil
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return empty, nil
	}

	doc := document{}
	if err = json.Unmarshal(data, &doc); err != nil {
		if f.strict {
			return document{}, fmt.Errorf("%w: can't parse %s: %v", ErrCorrupt, f.path, err)
		}
		f.moveAside(err)
		return empty, nil
	}
	if doc.Jobs == nil {
		doc.Jobs = map[string]Record{}
	}
	return doc, nil
}

// moveAside renames corrupted state file to keep it for inspection, next write starts from scratch
func (f *JSONFile) moveAside(parseErr error) {
	backup := fmt.Sprintf("%s.corrupt-%d", f.path, time.Now().UnixNano())
	log.Printf("[WARN] corrupted state file %s, job history reset, backup %s: %v", f.path, backup, parseErr)
	if err := os.Rename(f.path, backup); err != nil {
		log.Printf("[ERROR] can't backup corrupted state file %s: %v", f.path, err)
	}
}

func (f *JSONFile) save(doc document) (err error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("can't marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("can't make temp state file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("can't write temp state file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("can't sync temp state file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("can't close temp state file: %w", err)
	}
	if err = os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("can't replace state file %s: %w", f.path, err)
	}
	return nil
}
