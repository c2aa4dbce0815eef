// ===== internal/events/spool.go =====
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"netprov/pkg/models"
)

const (
	spoolSuffix   = ".json"
	retryInterval = 2 * time.Second
)

// DeliverFunc hands an event on and reports whether it was accepted
type DeliverFunc func(models.Event) bool

// Spool delivers events dropped as files into a directory by processes
// outside the daemon. A file is removed only after its event was
// accepted, so delivery is at-least-once; refused files are retried.
type Spool struct {
	dir     string
	deliver DeliverFunc
	retry   time.Duration

	// backlog is set when a file was refused; only the watch loop
	// touches it once started
	backlog bool

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSpool creates a spool over dir that passes events to deliver
func NewSpool(dir string, deliver DeliverFunc) *Spool {
	return &Spool{
		dir:     dir,
		deliver: deliver,
		retry:   retryInterval,
		stopCh:  make(chan struct{}),
	}
}

// Start begins watching the directory and drains files already present
func (s *Spool) Start() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory %s: %w", s.dir, err)
	}

	var err error
	s.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch before draining so nothing dropped in between is missed
	if err := s.watcher.Add(s.dir); err != nil {
		s.watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	s.drain()

	s.wg.Add(1)
	go s.watchFiles()

	return nil
}

// Stop stops watching
func (s *Spool) Stop() {
	close(s.stopCh)
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.wg.Wait()
}

func (s *Spool) watchFiles() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.retry)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.backlog {
				s.drain()
			}

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if strings.HasSuffix(event.Name, spoolSuffix) {
				s.consume(event.Name)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Spool watcher error: %v", err)
			// events may have been dropped on overflow
			s.drain()

		case <-s.stopCh:
			return
		}
	}
}

func (s *Spool) drain() {
	s.backlog = false
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+spoolSuffix))
	if err != nil {
		log.Printf("Warning: failed to list spool %s: %v", s.dir, err)
		return
	}
	for _, path := range matches {
		s.consume(path)
	}
}

// consume parses and delivers one file. Files that do not parse yet are
// left in place; a writer still filling the file will trigger another
// Write event.
func (s *Spool) consume(path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Warning: failed to read spool file %s: %v", path, err)
		}
		return
	}

	var ev models.Event
	if err := json.Unmarshal(content, &ev); err != nil {
		return
	}
	if ev.Kind == "" {
		log.Printf("Warning: discarding spool file %s without kind", path)
		os.Remove(path)
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	if !s.deliver(ev) {
		s.backlog = true
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to remove spool file %s: %v", path, err)
	}
}

// Publish drops an event into the spool directory. The file appears
// atomically under its final name.
func Publish(dir string, ev models.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	content, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".event-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	final := filepath.Join(dir, fmt.Sprintf("%d-%s%s", ev.At.UnixNano(), ev.Kind, spoolSuffix))
	return os.Rename(tmp.Name(), final)
}
