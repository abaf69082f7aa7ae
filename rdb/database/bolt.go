package database

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/query"
	"github.com/hatlonely/multidb/uid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

func init() {
	Register("bolt", func(ctx context.Context, options map[string]any) (rdb.Conn, error) {
		opts, err := decodeOptions[BoltOptions](options)
		if err != nil {
			return nil, err
		}
		return NewBoltWithOptions(opts)
	})
}

type BoltOptions struct {
	// DBPath 数据库文件路径，不存在时自动创建
	DBPath string `cfg:"dbPath" validate:"required"`

	// Timeout 是获取文件锁的等待时间，为零时无限期等待
	Timeout time.Duration `cfg:"timeout" def:"1s"`

	// 行编码方式
	Codec string `cfg:"codec" def:"msgpack" validate:"oneof=msgpack json bson protobuf"`

	NoSync bool `cfg:"noSync"`

	Identity *uid.Options `cfg:"identity"`
}

// Bolt 每张表一个 bucket，整数主键以大端 8 字节存储以保持顺序
type Bolt struct {
	db       *bolt.DB
	tx       *bolt.Tx
	codec    Codec
	identity *uid.Identity
}

func NewBoltWithOptions(options *BoltOptions) (*Bolt, error) {
	codec, err := NewCodec(options.Codec)
	if err != nil {
		return nil, err
	}
	identity, err := uid.NewIdentityWithOptions(options.Identity)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(options.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory %s", dir)
		}
	}

	db, err := bolt.Open(options.DBPath, 0644, &bolt.Options{
		Timeout: options.Timeout,
		NoSync:  options.NoSync,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "bolt.Open %s failed", options.DBPath)
	}

	return &Bolt{db: db, codec: codec, identity: identity}, nil
}

func (b *Bolt) Kind() string {
	return "bolt"
}

func (b *Bolt) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.tx != nil {
		return fn(b.tx)
	}
	return b.db.Update(fn)
}

func (b *Bolt) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.tx != nil {
		return fn(b.tx)
	}
	return b.db.View(fn)
}

func boltKey(model *rdb.TableModel, id any) ([]byte, any, error) {
	key, err := model.NormalizeID(id)
	if err != nil {
		return nil, nil, err
	}
	switch k := key.(type) {
	case int64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(k))
		return buf, k, nil
	case string:
		return []byte(k), k, nil
	default:
		return []byte(fmt.Sprintf("%v", k)), k, nil
	}
}

func (b *Bolt) Migrate(ctx context.Context, model *rdb.TableModel) error {
	return b.update(ctx, func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(model.Table))
		return errors.Wrapf(err, "failed to create bucket %s", model.Table)
	})
}

func (b *Bolt) rows(bucket *bolt.Bucket) ([]rdb.Row, error) {
	var rows []rdb.Row
	err := bucket.ForEach(func(k, v []byte) error {
		row, err := b.codec.Decode(v)
		if err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func (b *Bolt) Insert(ctx context.Context, model *rdb.TableModel, row rdb.Row) (any, error) {
	encoded, err := model.EncodeJSON(row)
	if err != nil {
		return nil, err
	}

	var id any
	err = b.update(ctx, func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(model.Table))
		if err != nil {
			return err
		}

		if v, ok := encoded[model.PrimaryKey]; !ok || v == nil {
			if model.AutoIncrement {
				seq, err := bucket.NextSequence()
				if err != nil {
					return err
				}
				encoded[model.PrimaryKey] = int64(seq)
			} else {
				encoded[model.PrimaryKey] = b.identity.String()
			}
		}

		key, normalized, err := boltKey(model, encoded[model.PrimaryKey])
		if err != nil {
			return err
		}
		if bucket.Get(key) != nil {
			return &rdb.UniqueConstraintError{Table: model.Table, Column: model.PrimaryKey, Value: normalized}
		}
		encoded[model.PrimaryKey] = normalized

		rows, err := b.rows(bucket)
		if err != nil {
			return err
		}
		if column, value, conflict := uniqueViolation(model, rows, encoded, nil); conflict {
			return &rdb.UniqueConstraintError{Table: model.Table, Column: column, Value: value}
		}

		if n, ok := normalized.(int64); ok && n > 0 && uint64(n) > bucket.Sequence() {
			if err := bucket.SetSequence(uint64(n)); err != nil {
				return err
			}
		}

		buf, err := b.codec.Encode(encoded)
		if err != nil {
			return err
		}
		id = normalized
		return bucket.Put(key, buf)
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (b *Bolt) Update(ctx context.Context, model *rdb.TableModel, id any, row rdb.Row) (int64, error) {
	key, normalized, err := boltKey(model, id)
	if err != nil {
		return 0, err
	}
	encoded, err := model.EncodeJSON(row)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = b.update(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(model.Table))
		if bucket == nil {
			return nil
		}
		value := bucket.Get(key)
		if value == nil {
			return nil
		}
		existing, err := b.codec.Decode(value)
		if err != nil {
			return err
		}
		merged := mergeRow(model, existing, encoded)
		rows, err := b.rows(bucket)
		if err != nil {
			return err
		}
		if column, value, conflict := uniqueViolation(model, rows, merged, normalized); conflict {
			return &rdb.UniqueConstraintError{Table: model.Table, Column: column, Value: value}
		}
		buf, err := b.codec.Encode(merged)
		if err != nil {
			return err
		}
		affected = 1
		return bucket.Put(key, buf)
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (b *Bolt) Delete(ctx context.Context, model *rdb.TableModel, id any) (int64, error) {
	key, _, err := boltKey(model, id)
	if err != nil {
		return 0, err
	}
	var affected int64
	err = b.update(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(model.Table))
		if bucket == nil || bucket.Get(key) == nil {
			return nil
		}
		affected = 1
		return bucket.Delete(key)
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (b *Bolt) Get(ctx context.Context, model *rdb.TableModel, id any) (rdb.Row, error) {
	key, _, err := boltKey(model, id)
	if err != nil {
		return nil, err
	}
	var row rdb.Row
	err = b.view(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(model.Table))
		if bucket == nil {
			return rdb.ErrRowNotFound
		}
		value := bucket.Get(key)
		if value == nil {
			return rdb.ErrRowNotFound
		}
		row, err = b.codec.Decode(value)
		return err
	})
	return row, err
}

func (b *Bolt) Find(ctx context.Context, model *rdb.TableModel, q query.Query, opts ...rdb.FindOption) ([]rdb.Row, error) {
	var rows []rdb.Row
	err := b.view(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(model.Table))
		if bucket == nil {
			return nil
		}
		all, err := b.rows(bucket)
		if err != nil {
			return err
		}
		rows = filterRows(model, all, q, rdb.NewFindOptions(opts...))
		return nil
	})
	return rows, err
}

func (b *Bolt) Count(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	rows, err := b.Find(ctx, model, q)
	return int64(len(rows)), err
}

func (b *Bolt) DeleteWhere(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	var affected int64
	err := b.update(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(model.Table))
		if bucket == nil {
			return nil
		}
		all, err := b.rows(bucket)
		if err != nil {
			return err
		}
		for _, row := range filterRows(model, all, q, nil) {
			key, _, err := boltKey(model, row[model.PrimaryKey])
			if err != nil {
				return err
			}
			if err := bucket.Delete(key); err != nil {
				return err
			}
			affected++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (b *Bolt) WithTx(ctx context.Context, fn func(ctx context.Context, tx rdb.Conn) error) error {
	if b.tx != nil {
		return fn(ctx, b)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(ctx, &Bolt{db: b.db, tx: tx, codec: b.codec, identity: b.identity})
	})
}

func (b *Bolt) Close() error {
	if b.tx != nil {
		return nil
	}
	return b.db.Close()
}
