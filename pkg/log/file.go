// Log file output with size-based rotation
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
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

	// MaxAge is the number of days to keep rotated files. 0 keeps them.
	MaxAge int

	// Compress determines if rotated files should be gzipped.
	Compress bool
}

// NewRotatingWriter returns a rotating file writer for config.
func NewRotatingWriter(config RotationConfig) (*lumberjack.Logger, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	maxSize := config.MaxSize
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := config.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}
	return &lumberjack.Logger{
		Filename:   config.Filename,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}, nil
}

// NewFileLogger creates a logger that writes only to a rotating file.
// The returned closer must be closed on shutdown.
func NewFileLogger(prefix string, config RotationConfig) (*Logger, io.Closer, error) {
	w, err := NewRotatingWriter(config)
	if err != nil {
		return nil, nil, err
	}
	logger := New(prefix)
	logger.SetWriter(w)
	return logger, w, nil
}

// NewConsoleAndFileLogger creates a logger that writes to stderr and a
// rotating file. Colors are always off since the file shares the stream.
func NewConsoleAndFileLogger(prefix string, config RotationConfig) (*Logger, io.Closer, error) {
	w, err := NewRotatingWriter(config)
	if err != nil {
		return nil, nil, err
	}
	logger := New(prefix)
	logger.SetWriter(io.MultiWriter(os.Stderr, w))
	return logger, w, nil
}
