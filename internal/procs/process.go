// ===== internal/procs/process.go =====
package procs

import (
	"bufio"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"netprov/pkg/models"
)

const maxLogEntries = 100

// StopGrace is how long a process gets to exit after SIGTERM before it is
// killed when the caller has no deadline of its own
var StopGrace = 5 * time.Second

// ErrNotRunning is returned when the process is expected to be up and is not
var ErrNotRunning = errors.New("process not running")

// Process runs one long-lived helper (hostapd, dnsmasq) and keeps its
// recent output
type Process struct {
	name string
	path string
	args []string

	logs  *list.List
	logMu sync.RWMutex

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

// New creates a process description; nothing is started yet
func New(name, path string, args ...string) *Process {
	return &Process{
		name: name,
		path: path,
		args: args,
		logs: list.New(),
	}
}

// Name returns the process label used in logs
func (p *Process) Name() string {
	return p.name
}

// Start launches the process. Starting a running process is a no-op.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.runningLocked() {
		return nil
	}

	cmd := exec.Command(p.path, p.args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s: stdout pipe: %w", p.name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%s: stderr pipe: %w", p.name, err)
	}

	log.Printf("Starting %s: %s %v", p.name, p.path, p.args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.name, err)
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.done = done
	p.exitErr = nil

	var scanners sync.WaitGroup
	scanners.Add(2)
	go p.scanLogs(stdout, "stdout", &scanners)
	go p.scanLogs(stderr, "stderr", &scanners)

	go func() {
		// Pipes must be drained before Wait closes them
		scanners.Wait()
		err := cmd.Wait()
		if err != nil {
			log.Printf("%s exited with error: %v", p.name, err)
		} else {
			log.Printf("%s exited", p.name)
		}
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(done)
	}()

	return nil
}

// StartAndSettle starts the process and fails if it exits within grace,
// which is how config errors in hostapd/dnsmasq surface.
func (p *Process) StartAndSettle(ctx context.Context, grace time.Duration) error {
	if err := p.Start(); err != nil {
		return err
	}

	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		p.mu.Lock()
		err := p.exitErr
		p.mu.Unlock()
		if err == nil {
			err = ErrNotRunning
		}
		return fmt.Errorf("%s exited during startup: %w", p.name, err)
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), StopGrace)
		defer cancel()
		if err := p.Stop(stopCtx); err != nil {
			log.Printf("Warning: %v", err)
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Running reports whether the process is alive
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningLocked()
}

func (p *Process) runningLocked() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stop sends SIGTERM and escalates to SIGKILL when ctx expires. Stopping a
// stopped process is a no-op.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.runningLocked() {
		p.mu.Unlock()
		return nil
	}
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	log.Printf("Stopping %s (pid %d)", p.name, cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal %s: %w", p.name, err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	log.Printf("Warning: %s ignored SIGTERM, killing", p.name)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill %s: %w", p.name, err)
	}
	<-done
	return nil
}

// Logs returns the most recent output lines
func (p *Process) Logs() []models.LogEntry {
	p.logMu.RLock()
	defer p.logMu.RUnlock()

	entries := make([]models.LogEntry, 0, p.logs.Len())
	for e := p.logs.Front(); e != nil; e = e.Next() {
		entries = append(entries, *(e.Value.(*models.LogEntry)))
	}
	return entries
}

// addLogEntry adds a new log entry, dropping the oldest past the limit
func (p *Process) addLogEntry(entry *models.LogEntry) {
	p.logMu.Lock()
	defer p.logMu.Unlock()

	if p.logs.Len() >= maxLogEntries {
		p.logs.Remove(p.logs.Front())
	}

	p.logs.PushBack(entry)
}

// scanLogs scans output from a reader and creates log entries
func (p *Process) scanLogs(reader io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(reader)

	for scanner.Scan() {
		now := time.Now()
		p.addLogEntry(&models.LogEntry{
			Timestamp: now,
			UnixTime:  now.Unix(),
			Channel:   p.name + "/" + stream,
			Message:   scanner.Text(),
		})
	}

	if err := scanner.Err(); err != nil {
		log.Printf("Error scanning %s %s: %v", p.name, stream, err)
	}
}
