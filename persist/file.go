package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileWriter stores each state as its own JSON file under
// <root>/session_<id>/ and keeps latest.json pointing at the newest one.
type FileWriter struct {
	root string
}

func NewFileWriter(root string) (*FileWriter, error) {
	if root == "" {
		root = "outputs"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("make outputs dir: %w", err)
	}
	return &FileWriter{root: root}, nil
}

func (f *FileWriter) sessionDir(sessionID string) (string, error) {
	dir := filepath.Join(f.root, "session_"+unsafeChars.ReplaceAllString(sessionID, "_"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("make session dir: %w", err)
	}
	return dir, nil
}

func (f *FileWriter) WriteState(ctx context.Context, st emotion.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := f.sessionDir(st.SessionID)
	if err != nil {
		return err
	}
	name := "state-" + strconv.FormatInt(st.ProducedAt.UnixNano(), 10) + ".json"
	if err := writeJSON(filepath.Join(dir, name), st); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "latest.json"), st)
}

func (f *FileWriter) WriteAdvice(ctx context.Context, adv emotion.Advice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := f.sessionDir(adv.SessionID)
	if err != nil {
		return err
	}
	name := "advice-" + strconv.FormatInt(adv.StateAt.UnixNano(), 10) + ".json"
	return writeJSON(filepath.Join(dir, name), adv)
}

func (f *FileWriter) Close() error { return nil }

// writeJSON replaces path atomically so readers never see a partial file.
func writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Discard drops everything. Used when persistence is switched off.
type Discard struct{}

func (Discard) WriteState(context.Context, emotion.State) error   { return nil }
func (Discard) WriteAdvice(context.Context, emotion.Advice) error { return nil }
func (Discard) Close() error                                      { return nil }
