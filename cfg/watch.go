package cfg

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher 监听配置文件变化
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	once    sync.Once
	done    chan struct{}
}

// Watch 监听 filename，文件被写入或替换时调用 onChange
// 监听的是所在目录，编辑器先写临时文件再 rename 的方式也能感知
func Watch(filename string, onChange func()) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("onChange is nil")
	}
	path, err := filepath.Abs(filename)
	if err != nil {
		return nil, errors.Wrap(err, "invalid file path")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, errors.Wrap(err, "failed to add directory to watcher")
	}

	w := &Watcher{watcher: fw, path: path, done: make(chan struct{})}
	go w.run(onChange)
	return w, nil
}

func (w *Watcher) run(onChange func()) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				onChange()
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close 停止监听，返回时回调不会再被调用
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
