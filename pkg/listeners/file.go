package listeners

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lab47/logbus/pkg/event"
	"github.com/pkg/errors"
)

// FileLogger appends one line per message to a file.
type FileLogger struct {
	mu sync.Mutex
	f  *os.File
	bw *bufio.Writer
}

func OpenFileLogger(path string) (*FileLogger, error) {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return nil, errors.Wrapf(err, "creating log dir for %s", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening log file %s", path)
	}

	return &FileLogger{f: f, bw: bufio.NewWriter(f)}, nil
}

func (l *FileLogger) OnEvent(ev event.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return os.ErrClosed
	}

	var err error

	switch ev := ev.(type) {
	case *event.Message:
		_, err = fmt.Fprintf(l.bw, "%s %-9s %s %s\n", ev.Timestamp.Format(time.RFC3339Nano), ev.Severity, category(ev.Category), ev.Text)
		if err == nil && ev.Err != nil {
			_, err = fmt.Fprintf(l.bw, "    error: %+v\n", ev.Err)
		}
	case *event.Progress:
		_, err = fmt.Fprintf(l.bw, "%s %-9s %s %s %s %s\n", ev.Timestamp.Format(time.RFC3339Nano), ev.Level, "progress", ev.Phase, ev.OperationID, ev.Description)
	}

	return err
}

func category(c string) string {
	if c == "" {
		return "-"
	}

	return c
}

func (l *FileLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}

	return l.bw.Flush()
}

func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}

	err := l.bw.Flush()
	cerr := l.f.Close()
	l.f = nil

	if err != nil {
		return err
	}

	return cerr
}
