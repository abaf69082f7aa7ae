package log

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Writer 日志输出器
type Writer interface {
	io.Writer
	io.Closer
}

// OutputOptions 输出目标配置
//
//	type: console  输出到 stdout/stderr，由 target 指定
//	type: file     追加写入 path
//	type: multi    同时写入 outputs 中的每一个
type OutputOptions struct {
	Type    string           `cfg:"type" def:"console" validate:"omitempty,oneof=console file multi"`
	Target  string           `cfg:"target"`
	Path    string           `cfg:"path"`
	Outputs []*OutputOptions `cfg:"outputs"`
}

// NewWriterWithOptions 按配置创建输出器，options 为 nil 时输出到 stdout
func NewWriterWithOptions(options *OutputOptions) (Writer, error) {
	if options == nil {
		return &consoleWriter{writer: os.Stdout}, nil
	}

	switch options.Type {
	case "", "console":
		if options.Target == "stderr" {
			return &consoleWriter{writer: os.Stderr}, nil
		}
		return &consoleWriter{writer: os.Stdout}, nil
	case "file":
		return newFileWriter(options.Path)
	case "multi":
		if len(options.Outputs) == 0 {
			return nil, errors.New("at least one output is required")
		}
		m := &multiWriter{}
		for i, sub := range options.Outputs {
			w, err := NewWriterWithOptions(sub)
			if err != nil {
				_ = m.Close()
				return nil, errors.WithMessagef(err, "failed to create output %d", i)
			}
			m.writers = append(m.writers, w)
		}
		return m, nil
	default:
		return nil, errors.Errorf("unsupported output type: %s", options.Type)
	}
}

type consoleWriter struct {
	writer io.Writer
}

func (c *consoleWriter) Write(p []byte) (int, error) {
	return c.writer.Write(p)
}

// Close 控制台不需要关闭
func (c *consoleWriter) Close() error {
	return nil
}

type fileWriter struct {
	mu   sync.Mutex
	file *os.File
}

func newFileWriter(path string) (*fileWriter, error) {
	if path == "" {
		return nil, errors.New("file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for %s", path)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open file %s", path)
	}
	return &fileWriter{file: file}, nil
}

func (f *fileWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return 0, errors.New("file is closed")
	}
	return f.file.Write(p)
}

func (f *fileWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

type multiWriter struct {
	writers []Writer
}

func (m *multiWriter) Write(p []byte) (int, error) {
	for i, w := range m.writers {
		if _, err := w.Write(p); err != nil {
			return 0, errors.WithMessagef(err, "output %d failed", i)
		}
	}
	return len(p), nil
}

func (m *multiWriter) Close() error {
	var first error
	for _, w := range m.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
