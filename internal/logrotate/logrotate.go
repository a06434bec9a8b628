// Package logrotate keeps the server log file bounded: a background
// worker counts lines on an interval and either truncates the file or
// archives it as gzip before truncating.
package logrotate

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Rotation actions.
const (
	ActionDelete  = "delete"
	ActionArchive = "archive"
)

// DefaultInterval is how often the worker checks the log file.
const DefaultInterval = time.Minute

// Rotator watches one log file. Fields are set before Start.
type Rotator struct {
	LogFilePath string
	MaxLines    int
	Action      string
	ArchiveDir  string
	Interval    time.Duration

	mu   sync.Mutex
	done chan struct{}
}

// Start launches the rotation worker. Starting a running rotator is a
// no-op.
func (r *Rotator) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}
	r.done = make(chan struct{})

	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	go func(done chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := r.RotateIfNeeded(); err != nil {
					log.Printf("log rotation: %v", err)
				}
			}
		}
	}(r.done)
}

// Stop terminates the worker. Stopping a stopped rotator is a no-op.
func (r *Rotator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return
	}
	close(r.done)
	r.done = nil
}

// RotateIfNeeded performs one check: if the log file holds more than
// MaxLines lines, the configured action runs. A missing log file is
// not an error.
func (r *Rotator) RotateIfNeeded() error {
	lines, err := countLines(r.LogFilePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if lines <= r.MaxLines {
		return nil
	}

	if r.Action == ActionArchive {
		if err := r.archive(); err != nil {
			return err
		}
	}
	return os.Truncate(r.LogFilePath, 0)
}

// archive writes the current log content to
// <ArchiveDir>/archived_<timestamp>.log.gz.
func (r *Rotator) archive() error {
	if err := os.MkdirAll(r.ArchiveDir, 0755); err != nil {
		return fmt.Errorf("create archive folder: %w", err)
	}

	src, err := os.Open(r.LogFilePath)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer src.Close()

	name := fmt.Sprintf("archived_%d.log.gz", time.Now().Unix())
	dst, err := os.Create(filepath.Join(r.ArchiveDir, name))
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

func countLines(path string) (int, error) {
	fd, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer fd.Close()

	n := 0
	scanner := bufio.NewScanner(fd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}
