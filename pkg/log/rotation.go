// Log file rotation
//
// Size-based rotation with numbered backups (latchd.log.1 is the newest).
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// Filename is the path to the log file.
	Filename string

	// MaxSize is the maximum size in megabytes before rotation.
	// Default is 10 MB.
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain.
	// Default is 5.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool

	// maxBytes overrides MaxSize; used by tests.
	maxBytes int64
}

// RotatingFileWriter implements io.Writer with automatic file rotation.
type RotatingFileWriter struct {
	mu          sync.Mutex
	cfg         RotationConfig
	maxBytes    int64
	currentSize int64
	file        *os.File
}

// NewRotatingFileWriter creates a new rotating file writer.
func NewRotatingFileWriter(cfg RotationConfig) (*RotatingFileWriter, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log: filename is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}

	w := &RotatingFileWriter{
		cfg:      cfg,
		maxBytes: int64(cfg.MaxSize) * 1024 * 1024,
	}
	if cfg.maxBytes > 0 {
		w.maxBytes = cfg.maxBytes
	}

	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.cfg.Filename), 0755); err != nil {
		return fmt.Errorf("log: create log directory: %w", err)
	}
	f, err := os.OpenFile(w.cfg.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("log: open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log: stat log file: %w", err)
	}
	w.file = f
	w.currentSize = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("log: rotate: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// backupName returns the path of the n-th backup.
func (w *RotatingFileWriter) backupName(n int) string {
	name := fmt.Sprintf("%s.%d", w.cfg.Filename, n)
	if w.cfg.Compress {
		name += ".gz"
	}
	return name
}

func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	// Drop the oldest, shift the rest up by one.
	os.Remove(w.backupName(w.cfg.MaxBackups))
	for n := w.cfg.MaxBackups - 1; n >= 1; n-- {
		if _, err := os.Stat(w.backupName(n)); err == nil {
			os.Rename(w.backupName(n), w.backupName(n+1))
		}
	}

	if w.cfg.Compress {
		if err := compressFile(w.cfg.Filename, w.backupName(1)); err != nil {
			return err
		}
		os.Remove(w.cfg.Filename)
	} else if err := os.Rename(w.cfg.Filename, w.backupName(1)); err != nil {
		w.open()
		return err
	}

	return w.open()
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Close closes the rotating file writer.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// CurrentSize returns the current file size.
func (w *RotatingFileWriter) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentSize
}

// NewFileLogger creates a logger writing to both stderr and a rotating file.
// Colors are disabled since they would end up in the file.
func NewFileLogger(prefix string, cfg RotationConfig) (*Logger, *RotatingFileWriter, error) {
	writer, err := NewRotatingFileWriter(cfg)
	if err != nil {
		return nil, nil, err
	}

	logger := New(prefix)
	logger.SetWriter(io.MultiWriter(os.Stderr, writer))
	logger.SetColorize(false)
	return logger, writer, nil
}
