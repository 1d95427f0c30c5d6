package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrAlreadySaved is returned when a run's log is saved a second time.
var ErrAlreadySaved = errors.New("log already saved")

// Encoder turns a Log into bytes. artifact renderers satisfy it.
type Encoder interface {
	Render(l *Log) ([]byte, error)
}

// Store persists a finished Log.
type Store interface {
	Save(l *Log) error
	Path() string
}

// fileStore is the concrete Store that writes one artifact file.
type fileStore struct {
	path  string
	enc   Encoder
	saved bool
}

// NewFileStore returns a Store that writes the log to path, creating parent
// directories as needed. A fileStore accepts exactly one Save.
func NewFileStore(path string, enc Encoder) Store {
	return &fileStore{path: path, enc: enc}
}

func (d *fileStore) Path() string {
	return d.path
}

// Save renders l and writes it atomically via a temp file + os.Rename.
func (d *fileStore) Save(l *Log) (err error) {
	if d.saved {
		return ErrAlreadySaved
	}

	data, err := d.enc.Render(l)
	if err != nil {
		return fmt.Errorf("failed to render session log: %w", err)
	}

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	// Write to a temp file in the same directory so os.Rename is atomic.
	tmp, err := os.CreateTemp(dir, filepath.Base(d.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist session log: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up the temp file on any error path.
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to persist session log: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to persist session log: %w", err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to persist session log: %w", err)
	}

	if err = os.Rename(tmpName, d.path); err != nil {
		return fmt.Errorf("failed to persist session log: %w", err)
	}
	d.saved = true
	return nil
}
