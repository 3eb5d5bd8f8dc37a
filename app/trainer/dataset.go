package trainer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Example is a single training row made from one chat record
type Example struct {
	Text string `json:"text"`
}

type chatRecord struct {
	Messages []struct {
		Role    any `json:"role"`
		Content any `json:"content"`
	} `json:"messages"`
}

// LoadDataset reads jsonl chat dataset and converts each record to a text example.
// Messages with empty content are skipped, records without usable messages are dropped.
func LoadDataset(path string) ([]Example, error) {
	fh, err := os.Open(path) //nolint gosec
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("dataset not found: %s", path)
		}
		return nil, fmt.Errorf("can't open dataset %s: %w", path, err)
	}
	defer fh.Close()

	var res []Example
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec chatRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("invalid dataset line %d: %w", lineNum, err)
		}
		parts := make([]string, 0, len(rec.Messages))
		for _, msg := range rec.Messages {
			content := strings.TrimSpace(stringOf(msg.Content, ""))
			if content == "" {
				continue
			}
			role := strings.TrimSpace(stringOf(msg.Role, "user"))
			parts = append(parts, fmt.Sprintf("<%s>: %s", role, content))
		}
		if len(parts) > 0 {
			res = append(res, Example{Text: strings.Join(parts, "\n")})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("can't read dataset %s: %w", path, err)
	}
	if len(res) == 0 {
		return nil, errors.New("dataset has no usable message rows")
	}
	return res, nil
}

// WriteExamples stores prepared examples as jsonl, one {"text": ...} per line
func WriteExamples(path string, examples []Example) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("can't make dir for %s: %w", path, err)
	}
	fh, err := os.Create(path) //nolint gosec
	if err != nil {
		return fmt.Errorf("can't create %s: %w", path, err)
	}
	w := bufio.NewWriter(fh)
	enc := json.NewEncoder(w)
	for _, ex := range examples {
		if err := enc.Encode(ex); err != nil {
			_ = fh.Close()
			return fmt.Errorf("can't write example to %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = fh.Close()
		return fmt.Errorf("can't flush %s: %w", path, err)
	}
	return fh.Close()
}

// stringOf converts loosely typed json value to string, nil gives def
func stringOf(v any, def string) string {
	switch vv := v.(type) {
	case nil:
		return def
	case string:
		return vv
	default:
		return fmt.Sprint(vv)
	}
}
