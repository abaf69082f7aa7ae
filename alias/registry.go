package alias

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// DefaultAlias 没有指定别名时使用的别名
const DefaultAlias = "default"

// Registry 别名到连接描述的注册表
//
// 读取无锁：别名表是一个不可变快照，写入时复制一份新表再原子替换。
// 别名只能新增，注册后既不能修改也不能删除。
type Registry struct {
	mu      sync.Mutex
	entries atomic.Pointer[map[string]*Descriptor]
}

// NewRegistry 用初始配置创建注册表，必须包含 default 别名
func NewRegistry(descriptors map[string]*Descriptor) (*Registry, error) {
	if _, ok := descriptors[DefaultAlias]; !ok {
		return nil, ErrMissingDefault
	}

	entries := make(map[string]*Descriptor, len(descriptors))
	for name, d := range descriptors {
		if err := check(name, d); err != nil {
			return nil, err
		}
		entries[name] = d.Clone()
	}

	r := &Registry{}
	r.entries.Store(&entries)
	return r, nil
}

func check(name string, d *Descriptor) error {
	if name == "" {
		return errors.New("alias name is empty")
	}
	if d == nil {
		return errors.Errorf("descriptor of alias %q is nil", name)
	}
	if d.Backend == "" {
		return errors.Errorf("descriptor of alias %q has no backend", name)
	}
	return nil
}

// Register 注册新别名
// 已存在且描述相同时直接返回，描述不同时返回 *AliasExistsError
func (r *Registry) Register(name string, d *Descriptor) error {
	if err := check(name, d); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.entries.Load()
	if existing, ok := current[name]; ok {
		if existing.Equal(d.Clone()) {
			return nil
		}
		return &AliasExistsError{Alias: name}
	}

	next := make(map[string]*Descriptor, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[name] = d.Clone()
	r.entries.Store(&next)
	return nil
}

// Resolve 查找别名的连接描述，未注册时返回 *UnknownAliasError
// 同一别名每次返回同一个描述对象，调用方不应修改它
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	d, ok := (*r.entries.Load())[name]
	if !ok {
		return nil, &UnknownAliasError{Alias: name}
	}
	return d, nil
}

// Has 别名是否已注册
func (r *Registry) Has(name string) bool {
	_, ok := (*r.entries.Load())[name]
	return ok
}

// Aliases 按字典序返回所有别名
func (r *Registry) Aliases() []string {
	entries := *r.entries.Load()
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
