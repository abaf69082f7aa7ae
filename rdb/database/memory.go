package database

import (
	"context"
	"sync"

	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/query"
	"github.com/hatlonely/multidb/uid"
)

func init() {
	Register("memory", func(ctx context.Context, options map[string]any) (rdb.Conn, error) {
		opts, err := decodeOptions[MemoryOptions](options)
		if err != nil {
			return nil, err
		}
		return NewMemoryWithOptions(opts)
	})
}

// MemoryOptions 内存后端配置
type MemoryOptions struct {
	// Name 同名的内存库共享数据，为空时每次打开都是独立的库
	Name string `cfg:"name"`

	Identity *uid.Options `cfg:"identity"`
}

type memoryTable struct {
	rows map[any]rdb.Row
	seq  int64
}

type memoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memoryTable
}

func (s *memoryStore) table(name string) *memoryTable {
	t, ok := s.tables[name]
	if !ok {
		t = &memoryTable{rows: map[any]rdb.Row{}}
		s.tables[name] = t
	}
	return t
}

func (s *memoryStore) snapshot() map[string]*memoryTable {
	out := make(map[string]*memoryTable, len(s.tables))
	for name, t := range s.tables {
		rows := make(map[any]rdb.Row, len(t.rows))
		for id, row := range t.rows {
			rows[id] = row
		}
		out[name] = &memoryTable{rows: rows, seq: t.seq}
	}
	return out
}

var (
	namedStoresMu sync.Mutex
	namedStores   = map[string]*memoryStore{}
)

// Memory 进程内的内存后端
// 事务持有整个库的写锁，出错时恢复到事务开始时的快照
type Memory struct {
	store    *memoryStore
	identity *uid.Identity
	inTx     bool
}

func NewMemoryWithOptions(options *MemoryOptions) (*Memory, error) {
	if options == nil {
		options = &MemoryOptions{}
	}
	identity, err := uid.NewIdentityWithOptions(options.Identity)
	if err != nil {
		return nil, err
	}
	if options.Name == "" {
		return &Memory{store: &memoryStore{tables: map[string]*memoryTable{}}, identity: identity}, nil
	}
	namedStoresMu.Lock()
	defer namedStoresMu.Unlock()
	store, ok := namedStores[options.Name]
	if !ok {
		store = &memoryStore{tables: map[string]*memoryTable{}}
		namedStores[options.Name] = store
	}
	return &Memory{store: store, identity: identity}, nil
}

func (m *Memory) Kind() string {
	return "memory"
}

func (m *Memory) read(fn func(tables *memoryStore) error) error {
	if !m.inTx {
		m.store.mu.RLock()
		defer m.store.mu.RUnlock()
	}
	return fn(m.store)
}

func (m *Memory) write(fn func(tables *memoryStore) error) error {
	if !m.inTx {
		m.store.mu.Lock()
		defer m.store.mu.Unlock()
	}
	return fn(m.store)
}

func (m *Memory) Migrate(ctx context.Context, model *rdb.TableModel) error {
	return m.write(func(s *memoryStore) error {
		s.table(model.Table)
		return nil
	})
}

func (m *Memory) Insert(ctx context.Context, model *rdb.TableModel, row rdb.Row) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	encoded, err := model.EncodeJSON(row)
	if err != nil {
		return nil, err
	}

	var id any
	err = m.write(func(s *memoryStore) error {
		t := s.table(model.Table)

		raw, ok := encoded[model.PrimaryKey]
		if !ok || raw == nil {
			if model.AutoIncrement {
				t.seq++
				raw = t.seq
			} else {
				raw = m.identity.String()
			}
		}
		key, err := model.NormalizeID(raw)
		if err != nil {
			return err
		}
		if _, exists := t.rows[key]; exists {
			return &rdb.UniqueConstraintError{Table: model.Table, Column: model.PrimaryKey, Value: key}
		}
		encoded[model.PrimaryKey] = key
		if column, value, conflict := uniqueViolation(model, rowsOf(t), encoded, nil); conflict {
			return &rdb.UniqueConstraintError{Table: model.Table, Column: column, Value: value}
		}
		// 显式写入的整数主键推进序列，之后分配的主键不会与其冲突
		if n, ok := key.(int64); ok && n > t.seq {
			t.seq = n
		}
		t.rows[key] = encoded
		id = key
		return nil
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

func rowsOf(t *memoryTable) []rdb.Row {
	rows := make([]rdb.Row, 0, len(t.rows))
	for _, row := range t.rows {
		rows = append(rows, row)
	}
	return rows
}

func (m *Memory) Update(ctx context.Context, model *rdb.TableModel, id any, row rdb.Row) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	key, err := model.NormalizeID(id)
	if err != nil {
		return 0, err
	}
	encoded, err := model.EncodeJSON(row)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = m.write(func(s *memoryStore) error {
		t := s.table(model.Table)
		existing, ok := t.rows[key]
		if !ok {
			return nil
		}
		merged := mergeRow(model, existing, encoded)
		if column, value, conflict := uniqueViolation(model, rowsOf(t), merged, key); conflict {
			return &rdb.UniqueConstraintError{Table: model.Table, Column: column, Value: value}
		}
		t.rows[key] = merged
		affected = 1
		return nil
	})
	return affected, err
}

func (m *Memory) Delete(ctx context.Context, model *rdb.TableModel, id any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	key, err := model.NormalizeID(id)
	if err != nil {
		return 0, err
	}
	var affected int64
	err = m.write(func(s *memoryStore) error {
		t := s.table(model.Table)
		if _, ok := t.rows[key]; ok {
			delete(t.rows, key)
			affected = 1
		}
		return nil
	})
	return affected, err
}

func (m *Memory) Get(ctx context.Context, model *rdb.TableModel, id any) (rdb.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := model.NormalizeID(id)
	if err != nil {
		return nil, err
	}
	var row rdb.Row
	err = m.read(func(s *memoryStore) error {
		t, ok := s.tables[model.Table]
		if !ok {
			return rdb.ErrRowNotFound
		}
		existing, ok := t.rows[key]
		if !ok {
			return rdb.ErrRowNotFound
		}
		row = existing.Clone()
		return nil
	})
	return row, err
}

func (m *Memory) Find(ctx context.Context, model *rdb.TableModel, q query.Query, opts ...rdb.FindOption) ([]rdb.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []rdb.Row
	err := m.read(func(s *memoryStore) error {
		t, ok := s.tables[model.Table]
		if !ok {
			return nil
		}
		for _, row := range filterRows(model, rowsOf(t), q, rdb.NewFindOptions(opts...)) {
			rows = append(rows, row.Clone())
		}
		return nil
	})
	return rows, err
}

func (m *Memory) Count(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	rows, err := m.Find(ctx, model, q)
	return int64(len(rows)), err
}

func (m *Memory) DeleteWhere(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var affected int64
	err := m.write(func(s *memoryStore) error {
		t, ok := s.tables[model.Table]
		if !ok {
			return nil
		}
		for key, row := range t.rows {
			if q == nil || q.Match(row) {
				delete(t.rows, key)
				affected++
			}
		}
		return nil
	})
	return affected, err
}

func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx rdb.Conn) error) error {
	if m.inTx {
		return fn(ctx, m)
	}

	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	snapshot := m.store.snapshot()
	if err := fn(ctx, &Memory{store: m.store, identity: m.identity, inTx: true}); err != nil {
		m.store.tables = snapshot
		return err
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
