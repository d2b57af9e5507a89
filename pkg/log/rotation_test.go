// Log rotation tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingFileWriter(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "sub", "drawbot.log")

	writer, err := NewRotatingFileWriter(RotationConfig{Filename: logFile})
	if err != nil {
		t.Fatalf("failed to create rotating writer: %v", err)
	}
	defer writer.Close()

	msg := "executor: ready\n"
	n, err := writer.Write([]byte(msg))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != len(msg) {
		t.Errorf("expected %d bytes written, got %d", len(msg), n)
	}
	if writer.CurrentSize() != int64(len(msg)) {
		t.Errorf("expected size %d, got %d", len(msg), writer.CurrentSize())
	}
	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}

func TestRotatingFileWriterRotation(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "drawbot.log")

	writer, err := NewRotatingFileWriter(RotationConfig{Filename: logFile, MaxBackups: 2})
	if err != nil {
		t.Fatalf("failed to create rotating writer: %v", err)
	}
	defer writer.Close()
	writer.maxSize = 10

	for _, line := range []string{"first-123\n", "second-12\n", "third-123\n", "fourth-12\n"} {
		if _, err := writer.Write([]byte(line)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	read := func(name string) string {
		data, err := os.ReadFile(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		return string(data)
	}

	if got := read(logFile); got != "fourth-12\n" {
		t.Errorf("active file = %q", got)
	}
	if got := read(logFile + ".1"); got != "third-123\n" {
		t.Errorf("backup 1 = %q", got)
	}
	if got := read(logFile + ".2"); got != "second-12\n" {
		t.Errorf("backup 2 = %q", got)
	}
	if _, err := os.Stat(logFile + ".3"); !os.IsNotExist(err) {
		t.Errorf("expected oldest backup to be dropped, stat err = %v", err)
	}
}

func TestRotatingFileWriterCompress(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "drawbot.log")

	writer, err := NewRotatingFileWriter(RotationConfig{Filename: logFile, Compress: true})
	if err != nil {
		t.Fatalf("failed to create rotating writer: %v", err)
	}
	defer writer.Close()
	writer.maxSize = 8

	writer.Write([]byte("old line\n"))
	writer.Write([]byte("new line\n"))

	f, err := os.Open(logFile + ".1.gz")
	if err != nil {
		t.Fatalf("expected compressed backup: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	data, _ := io.ReadAll(gz)
	if string(data) != "old line\n" {
		t.Errorf("backup content = %q", data)
	}
	if _, err := os.Stat(logFile + ".1"); !os.IsNotExist(err) {
		t.Error("uncompressed backup should be removed")
	}
}

func TestRotatingFileWriterClosed(t *testing.T) {
	writer, err := NewRotatingFileWriter(RotationConfig{Filename: filepath.Join(t.TempDir(), "x.log")})
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if _, err := writer.Write([]byte("late")); err == nil {
		t.Error("expected write after close to fail")
	}
}

func TestAttachFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "drawbot.log")

	logger := New("drawbot")
	fw, err := AttachFile(logger, RotationConfig{Filename: logFile}, false)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	logger.WithPrefix("device").Info("connected")
	fw.Close()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "device: connected") {
		t.Errorf("unexpected file content %q", data)
	}
	if bytes.Contains(data, []byte("\x1b[")) {
		t.Error("file output must not contain color codes")
	}
}

func TestRotationConfigEmptyFilename(t *testing.T) {
	if _, err := NewRotatingFileWriter(RotationConfig{}); err == nil {
		t.Error("expected error for empty filename")
	}
}
