// Package sidecar trims downloaded sidecar files to the fields archive
// tooling consumes and renames them after their asset's stem.
package sidecar

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// KeptFields survive cleaning, in output order.
var KeptFields = []string{"filename", "keywords", "format", "fileSize", "dimensions"}

var imageSuffixes = []string{".jpg.json", ".JPG.json"}

type Failure struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type Report struct {
	Found     int       `json:"found"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Cleaner rewrites sidecars in place on fs.
type Cleaner struct {
	fs     afero.Fs
	logger *zap.Logger
}

func NewCleaner(fs afero.Fs, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{fs: fs, logger: logger}
}

// Clean processes every <stem>.jpg.json (or .JPG.json) directly in dir: the
// kept fields are written to <stem>.json and the original is removed. Per-file
// problems are collected in the report; only an unreadable dir is an error.
func (c *Cleaner) Clean(dir string) (Report, error) {
	info, err := c.fs.Stat(dir)
	if err != nil {
		return Report{}, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return Report{}, fmt.Errorf("%s is not a directory", dir)
	}

	var files []string
	for _, suffix := range imageSuffixes {
		matches, err := afero.Glob(c.fs, filepath.Join(dir, "*"+suffix))
		if err != nil {
			return Report{}, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}

	r := Report{Found: len(files)}
	for i, f := range files {
		name := filepath.Base(f)
		target, err := c.cleanFile(f)
		if err != nil {
			r.Failed++
			r.Failures = append(r.Failures, Failure{Name: name, Message: err.Error()})
			c.logger.Warn("sidecar clean failed", zap.String("file", name), zap.Error(err))
			continue
		}
		r.Succeeded++
		if (i+1)%100 == 0 || i+1 == len(files) {
			c.logger.Info("sidecars cleaned", zap.Int("done", i+1), zap.Int("total", len(files)), zap.String("last", name+" -> "+filepath.Base(target)))
		}
	}
	return r, nil
}

// TargetName maps foo.jpg.json to foo.json.
func TargetName(name string) (string, bool) {
	for _, suffix := range imageSuffixes {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix) + path.Ext(suffix), true
		}
	}
	return "", false
}

func (c *Cleaner) cleanFile(src string) (string, error) {
	name, ok := TargetName(filepath.Base(src))
	if !ok {
		return "", fmt.Errorf("unexpected filename pattern: %s", filepath.Base(src))
	}
	target := filepath.Join(filepath.Dir(src), name)

	data, err := afero.ReadFile(c.fs, src)
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}
	var record map[string]json.RawMessage
	if err := json.Unmarshal(data, &record); err != nil {
		return "", fmt.Errorf("JSON parse error: %w", err)
	}

	out, err := encodeKept(record)
	if err != nil {
		return "", err
	}
	if err := afero.WriteFile(c.fs, target, out, 0o644); err != nil {
		return "", fmt.Errorf("write error: %w", err)
	}
	if err := c.fs.Remove(src); err != nil {
		return "", fmt.Errorf("delete error (new file was created): %w", err)
	}
	return target, nil
}

// encodeKept writes the kept fields in KeptFields order with two-space
// indentation and a trailing newline.
func encodeKept(record map[string]json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	first := true
	for _, k := range KeptFields {
		v, ok := record[k]
		if !ok {
			continue
		}
		if !first {
			buf.WriteString(",")
		}
		first = false
		key, _ := json.Marshal(k)
		buf.WriteString("\n  ")
		buf.Write(key)
		buf.WriteString(": ")
		var val bytes.Buffer
		if err := json.Indent(&val, v, "  ", "  "); err != nil {
			return nil, fmt.Errorf("re-encode %s: %w", k, err)
		}
		buf.Write(val.Bytes())
	}
	if !first {
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}
