// Package jsonl reads and writes newline-delimited JSON record files and
// small JSON documents with crash-safe write discipline.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const maxLineSize = 16 * 1024 * 1024

// Append writes each record as one line at the end of path, creating the
// file and its directory if needed. All lines go out in a single write under
// an exclusive flock, and the file is synced before returning. A torn final
// line left by an interrupted append is first closed with a newline so the
// new records start on a line of their own.
func Append(path string, records ...any) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return err
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	torn, err := endsMidLine(f)
	if err != nil {
		return err
	}
	out := buf.Bytes()
	if torn {
		out = append([]byte{'\n'}, out...)
	}
	if _, err := f.Write(out); err != nil {
		return err
	}
	return f.Sync()
}

// endsMidLine reports whether f is non-empty and its last byte is not a
// newline.
func endsMidLine(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// Lines holds the raw lines of a record file.
type Lines struct {
	Data [][]byte
	// Truncated is set when the final line had no newline and was dropped.
	Truncated bool
}

// ReadLines returns the non-empty lines of path. A missing file yields no
// lines and no error. A final line without a trailing newline is the residue
// of an interrupted append and is dropped.
func ReadLines(path string) (Lines, error) {
	var out Lines
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		buf := make([]byte, 1)
		if _, err := f.ReadAt(buf, info.Size()-1); err == nil {
			out.Truncated = buf[0] != '\n'
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out.Data = append(out.Data, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}
	if out.Truncated && len(out.Data) > 0 {
		out.Data = out.Data[:len(out.Data)-1]
	}
	return out, nil
}

// Read decodes every line of path into T. Lines that fail to decode or that
// the optional keep func rejects are skipped and counted.
func Read[T any](path string, keep func(T) bool) (records []T, skipped int, err error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, 0, err
	}
	if lines.Truncated {
		skipped++
	}
	records = make([]T, 0, len(lines.Data))
	for _, line := range lines.Data {
		var r T
		if err := json.Unmarshal(line, &r); err != nil {
			skipped++
			continue
		}
		if keep != nil && !keep(r) {
			skipped++
			continue
		}
		records = append(records, r)
	}
	return records, skipped, nil
}

// Rewrite replaces path with the given records. The new content is written
// to a temporary file in the same directory, synced, and renamed over path,
// so readers see either the old file or the new one.
func Rewrite[T any](path string, records []T) error {
	var buf bytes.Buffer
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return WriteFileAtomic(path, buf.Bytes())
}

// WriteJSON writes v as an indented JSON document, atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return WriteFileAtomic(path, append(data, '\n'))
}

// WriteFileAtomic writes data to a temp file beside path and renames it into
// place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
