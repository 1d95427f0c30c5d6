package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStream replays a captured event stream from disk. In follow mode it
// keeps waiting for appended bytes, like tail -f, until aborted or the file is
// removed.
type FileStream struct {
	path    string
	f       *os.File
	watcher *fsnotify.Watcher
	buf     []byte
	done    chan struct{}
	once    sync.Once
	stop    func() bool // unregisters the context callback
}

// OpenFile opens path for streaming. When ctx is done the stream is aborted.
func OpenFile(ctx context.Context, path string, follow bool) (*FileStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Op: "open", Target: path, Err: err}
	}

	s := &FileStream{
		path: path,
		f:    f,
		buf:  make([]byte, defaultChunkSize),
		done: make(chan struct{}),
	}

	if follow {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			f.Close()
			return nil, &Error{Op: "watch", Target: path, Err: err}
		}
		if err := w.Add(path); err != nil {
			w.Close()
			f.Close()
			return nil, &Error{Op: "watch", Target: path, Err: err}
		}
		s.watcher = w
	}

	s.stop = context.AfterFunc(ctx, s.Abort)
	return s, nil
}

// Next returns the next chunk of the file. Without follow mode, reaching the
// end of the file is the end of the stream.
func (s *FileStream) Next() ([]byte, error) {
	for {
		select {
		case <-s.done:
			return nil, ErrAborted
		default:
		}

		n, err := s.f.Read(s.buf)
		if n > 0 {
			return append([]byte(nil), s.buf[:n]...), nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			if s.isDone() {
				return nil, ErrAborted
			}
			return nil, &Error{Op: "read", Target: s.path, Err: err}
		}
		if s.watcher == nil {
			return nil, io.EOF
		}
		if err := s.wait(); err != nil {
			return nil, err
		}
	}
}

// wait blocks until the followed file changes.
func (s *FileStream) wait() error {
	select {
	case <-s.done:
		return ErrAborted
	case ev, ok := <-s.watcher.Events:
		if !ok {
			return ErrAborted
		}
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			return io.EOF
		}
		return nil
	case err, ok := <-s.watcher.Errors:
		if !ok {
			return ErrAborted
		}
		return &Error{Op: "watch", Target: s.path, Err: err}
	}
}

// Abort closes the file and any watcher.
func (s *FileStream) Abort() {
	s.once.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
		if s.watcher != nil {
			s.watcher.Close()
		}
		s.f.Close()
	})
}

func (s *FileStream) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
