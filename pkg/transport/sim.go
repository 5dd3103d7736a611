package transport

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	QueueAToB = "a_to_b.bin"
	QueueBToA = "b_to_a.bin"
)

// Sim is one end of a simulated link. Node A writes a_to_b.bin and reads
// b_to_a.bin; node B is cross-wired the other way. Each file is a FIFO of
// raw wire bytes: writes append, reads consume from the head.
type Sim struct {
	node  string
	dir   string
	write *queueFile
	read  *queueFile

	mu     sync.Mutex
	closed bool
}

var _ Transport = (*Sim)(nil)

// OpenSim opens node's end of the simulated pair in dir, creating the
// directory and both queue files when missing.
func OpenSim(dir, node string) (*Sim, error) {
	var out, in string
	switch node {
	case NodeA:
		out, in = QueueAToB, QueueBToA
	case NodeB:
		out, in = QueueBToA, QueueAToB
	default:
		return nil, fmt.Errorf("%w: %q (want %s or %s)", ErrInvalidNodeName, node, NodeA, NodeB)
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: sim dir %s: %w", ErrOpen, dir, err)
	}

	s := &Sim{
		node:  node,
		dir:   dir,
		write: &queueFile{path: filepath.Join(dir, out)},
		read:  &queueFile{path: filepath.Join(dir, in)},
	}
	for _, q := range []*queueFile{s.write, s.read} {
		if err := q.touch(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOpen, err)
		}
	}
	return s, nil
}

func (s *Sim) Name() string {
	return "sim:" + s.node
}

func (s *Sim) Node() string {
	return s.node
}

func (s *Sim) Write(p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.write.push(p); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return len(p), nil
}

func (s *Sim) Read(p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	n, err := s.read.pop(p)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return n, nil
}

// Close marks this end closed. The queue files stay on disk so the peer
// can keep draining them; use RemoveSimQueues to delete them.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sim) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// RemoveSimQueues deletes both queue files in dir. Missing files are not an
// error.
func RemoveSimQueues(dir string) error {
	var errs []error
	for _, name := range []string{QueueAToB, QueueBToA} {
		err := os.Remove(filepath.Join(dir, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// queueFile serialises access to one FIFO file across goroutines (mu) and
// across processes (advisory file lock).
type queueFile struct {
	path string
	mu   sync.Mutex
}

func (q *queueFile) touch() error {
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (q *queueFile) push(p []byte) error {
	return q.locked(os.O_CREATE|os.O_WRONLY|os.O_APPEND, func(f *os.File) error {
		_, err := f.Write(p)
		return err
	})
}

// pop moves up to len(p) bytes from the head of the file into p and
// rewrites the remainder in place.
func (q *queueFile) pop(p []byte) (int, error) {
	var n int
	err := q.locked(os.O_CREATE|os.O_RDWR, func(f *os.File) error {
		if len(p) == 0 {
			return nil
		}
		read, err := io.ReadFull(f, p)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			n = read
			return f.Truncate(0)
		case err != nil:
			return err
		}
		n = read

		rest, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		if err := f.Truncate(0); err != nil {
			return err
		}
		if len(rest) == 0 {
			return nil
		}
		_, err = f.WriteAt(rest, 0)
		return err
	})
	return n, err
}

func (q *queueFile) locked(flag int, fn func(f *os.File) error) (err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.OpenFile(q.path, flag, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("lock %s: %w", q.path, err)
	}
	defer func() {
		if uerr := unlockFile(f); err == nil {
			err = uerr
		}
	}()
	return fn(f)
}
