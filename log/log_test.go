package log

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewSLogWithOptions(t *testing.T) {
	tests := []struct {
		name    string
		options *Options
		wantErr bool
	}{
		{
			name:    "nil options",
			options: nil,
			wantErr: true,
		},
		{
			name:    "default console output",
			options: &Options{Level: "info"},
		},
		{
			name: "json to stderr",
			options: &Options{
				Level:  "debug",
				Format: "json",
				Output: &OutputOptions{Type: "console", Target: "stderr"},
			},
		},
		{
			name:    "invalid level",
			options: &Options{Level: "invalid"},
			wantErr: true,
		},
		{
			name:    "invalid format",
			options: &Options{Format: "xml"},
			wantErr: true,
		},
		{
			name:    "invalid output",
			options: &Options{Output: &OutputOptions{Type: "kafka"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewSLogWithOptions(tt.options)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSLogWithOptions() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && l == nil {
				t.Fatal("NewSLogWithOptions() returned nil logger")
			}
		})
	}
}

func TestSLogFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	l, err := NewSLogWithOptions(&Options{
		Level:  "warn",
		Format: "json",
		Output: &OutputOptions{Type: "file", Path: path},
		Fields: map[string]any{"service": "multidb"},
	})
	if err != nil {
		t.Fatalf("NewSLogWithOptions() error = %v", err)
	}

	l.Info("dropped")
	l.With("alias", "replica").WarnContext(context.Background(), "kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	content := string(data)
	if strings.Contains(content, "dropped") {
		t.Errorf("info message should be filtered at warn level: %s", content)
	}
	for _, want := range []string{`"msg":"kept"`, `"alias":"replica"`, `"service":"multidb"`} {
		if !strings.Contains(content, want) {
			t.Errorf("log output missing %s: %s", want, content)
		}
	}
}

func TestMultiWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriterWithOptions(&OutputOptions{
		Type: "multi",
		Outputs: []*OutputOptions{
			{Type: "file", Path: filepath.Join(dir, "a.log")},
			{Type: "file", Path: filepath.Join(dir, "b.log")},
		},
	})
	if err != nil {
		t.Fatalf("NewWriterWithOptions() error = %v", err)
	}
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for _, name := range []string{"a.log", "b.log"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil || string(data) != "hello\n" {
			t.Errorf("%s = %q, %v", name, data, err)
		}
	}

	if _, err := NewWriterWithOptions(&OutputOptions{Type: "multi"}); err == nil {
		t.Error("multi output without outputs should fail")
	}
	if _, err := NewWriterWithOptions(&OutputOptions{Type: "file"}); err == nil {
		t.Error("file output without path should fail")
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}

	old := Default()
	defer SetDefault(old)

	SetDefault(Nop())
	SetDefault(nil)
	if _, ok := Default().(nopLogger); !ok {
		t.Errorf("Default() = %T, want nopLogger", Default())
	}

	l, err := NewLoggerWithOptions(nil)
	if err != nil || l != Default() {
		t.Errorf("NewLoggerWithOptions(nil) = %v, %v", l, err)
	}
}
