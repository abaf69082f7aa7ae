package database

import (
	"context"
	"fmt"
	"time"

	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/query"
	"github.com/hatlonely/multidb/uid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

func init() {
	Register("redis", func(ctx context.Context, options map[string]any) (rdb.Conn, error) {
		opts, err := decodeOptions[RedisOptions](options)
		if err != nil {
			return nil, err
		}
		return NewRedisWithOptions(ctx, opts)
	})
}

type RedisOptions struct {
	// host:port 地址
	Endpoint string `cfg:"endpoint" def:"localhost:6379"`

	Username string `cfg:"username"`
	Password string `cfg:"password"`

	// 连接到服务器后选择的数据库
	DB int `cfg:"db" def:"0"`

	// 键前缀，每张表使用 <prefix>:<table>:rows 和 <prefix>:<table>:seq 两个键
	KeyPrefix string `cfg:"keyPrefix" def:"multidb"`

	// 行编码方式 msgpack json bson protobuf
	Codec string `cfg:"codec" def:"msgpack" validate:"oneof=msgpack json bson protobuf"`

	DialTimeout  time.Duration `cfg:"dialTimeout" def:"5s"`
	ReadTimeout  time.Duration `cfg:"readTimeout" def:"3s"`
	WriteTimeout time.Duration `cfg:"writeTimeout" def:"3s"`
	PoolSize     int           `cfg:"poolSize" def:"10"`

	// 乐观锁冲突时的重试次数
	MaxTxRetries int `cfg:"maxTxRetries" def:"5"`

	Identity *uid.Options `cfg:"identity"`
}

// Redis 每张表存为一个 hash，field 为主键，value 为编码后的行
// 写操作通过 WATCH 保证单键原子性，不支持跨命令的读事务
type Redis struct {
	client    *redis.Client
	codec     Codec
	prefix    string
	retries   int
	identity  *uid.Identity
	bumpMaxID *redis.Script
}

// 显式写入的主键大于序列当前值时推进序列
var bumpSeqScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local id = tonumber(ARGV[1])
if id > cur then
  redis.call('SET', KEYS[1], ARGV[1])
end
return 0
`)

func NewRedisWithOptions(ctx context.Context, options *RedisOptions) (*Redis, error) {
	codec, err := NewCodec(options.Codec)
	if err != nil {
		return nil, err
	}
	identity, err := uid.NewIdentityWithOptions(options.Identity)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         options.Endpoint,
		Username:     options.Username,
		Password:     options.Password,
		DB:           options.DB,
		DialTimeout:  options.DialTimeout,
		ReadTimeout:  options.ReadTimeout,
		WriteTimeout: options.WriteTimeout,
		PoolSize:     options.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis ping %s failed", options.Endpoint)
	}

	retries := options.MaxTxRetries
	if retries <= 0 {
		retries = 1
	}

	return &Redis{
		client:    client,
		codec:     codec,
		prefix:    options.KeyPrefix,
		retries:   retries,
		identity:  identity,
		bumpMaxID: bumpSeqScript,
	}, nil
}

func (r *Redis) Kind() string {
	return "redis"
}

func (r *Redis) rowsKey(table string) string {
	return fmt.Sprintf("%s:%s:rows", r.prefix, table)
}

func (r *Redis) seqKey(table string) string {
	return fmt.Sprintf("%s:%s:seq", r.prefix, table)
}

func (r *Redis) field(model *rdb.TableModel, id any) (any, string, error) {
	key, err := model.NormalizeID(id)
	if err != nil {
		return nil, "", err
	}
	return key, fmt.Sprintf("%v", key), nil
}

// Migrate 表在首次写入时隐式创建
func (r *Redis) Migrate(ctx context.Context, model *rdb.TableModel) error {
	return nil
}

func (r *Redis) decodeAll(values []string) ([]rdb.Row, error) {
	rows := make([]rdb.Row, 0, len(values))
	for _, v := range values {
		row, err := r.codec.Decode([]byte(v))
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// watch 在 WATCH 保护下执行 fn，冲突时重试
func (r *Redis) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < r.retries; i++ {
		err = r.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return errors.Wrapf(err, "redis transaction on %s failed after %d retries", key, r.retries)
}

func (r *Redis) Insert(ctx context.Context, model *rdb.TableModel, row rdb.Row) (any, error) {
	encoded, err := model.EncodeJSON(row)
	if err != nil {
		return nil, err
	}

	explicit := true
	if v, ok := encoded[model.PrimaryKey]; !ok || v == nil {
		explicit = false
		if model.AutoIncrement {
			n, err := r.client.Incr(ctx, r.seqKey(model.Table)).Result()
			if err != nil {
				return nil, errors.Wrap(err, "redis INCR failed")
			}
			encoded[model.PrimaryKey] = n
		} else {
			encoded[model.PrimaryKey] = r.identity.String()
		}
	}

	id, field, err := r.field(model, encoded[model.PrimaryKey])
	if err != nil {
		return nil, err
	}
	encoded[model.PrimaryKey] = id

	buf, err := r.codec.Encode(encoded)
	if err != nil {
		return nil, err
	}

	rowsKey := r.rowsKey(model.Table)
	err = r.watch(ctx, rowsKey, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, rowsKey, field).Result()
		if err != nil {
			return err
		}
		if exists {
			return &rdb.UniqueConstraintError{Table: model.Table, Column: model.PrimaryKey, Value: id}
		}
		if err := r.checkUnique(ctx, tx, model, encoded, nil); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rowsKey, field, buf)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if n, ok := id.(int64); ok && explicit && model.AutoIncrement {
		if err := r.bumpMaxID.Run(ctx, r.client, []string{r.seqKey(model.Table)}, n).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, errors.Wrap(err, "failed to bump sequence")
		}
	}
	return id, nil
}

func (r *Redis) checkUnique(ctx context.Context, tx *redis.Tx, model *rdb.TableModel, candidate rdb.Row, self any) error {
	hasUnique := false
	for _, index := range model.Indexes {
		hasUnique = hasUnique || index.Unique
	}
	if !hasUnique {
		return nil
	}
	values, err := tx.HVals(ctx, r.rowsKey(model.Table)).Result()
	if err != nil {
		return err
	}
	rows, err := r.decodeAll(values)
	if err != nil {
		return err
	}
	if column, value, conflict := uniqueViolation(model, rows, candidate, self); conflict {
		return &rdb.UniqueConstraintError{Table: model.Table, Column: column, Value: value}
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, model *rdb.TableModel, id any, row rdb.Row) (int64, error) {
	key, field, err := r.field(model, id)
	if err != nil {
		return 0, err
	}
	encoded, err := model.EncodeJSON(row)
	if err != nil {
		return 0, err
	}

	var affected int64
	rowsKey := r.rowsKey(model.Table)
	err = r.watch(ctx, rowsKey, func(tx *redis.Tx) error {
		affected = 0
		value, err := tx.HGet(ctx, rowsKey, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		existing, err := r.codec.Decode([]byte(value))
		if err != nil {
			return err
		}
		merged := mergeRow(model, existing, encoded)
		if err := r.checkUnique(ctx, tx, model, merged, key); err != nil {
			return err
		}
		buf, err := r.codec.Encode(merged)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rowsKey, field, buf)
			return nil
		})
		if err == nil {
			affected = 1
		}
		return err
	})
	return affected, err
}

func (r *Redis) Delete(ctx context.Context, model *rdb.TableModel, id any) (int64, error) {
	_, field, err := r.field(model, id)
	if err != nil {
		return 0, err
	}
	n, err := r.client.HDel(ctx, r.rowsKey(model.Table), field).Result()
	return n, errors.Wrap(err, "redis HDEL failed")
}

func (r *Redis) Get(ctx context.Context, model *rdb.TableModel, id any) (rdb.Row, error) {
	_, field, err := r.field(model, id)
	if err != nil {
		return nil, err
	}
	value, err := r.client.HGet(ctx, r.rowsKey(model.Table), field).Result()
	if errors.Is(err, redis.Nil) {
		return nil, rdb.ErrRowNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis HGET failed")
	}
	return r.codec.Decode([]byte(value))
}

func (r *Redis) Find(ctx context.Context, model *rdb.TableModel, q query.Query, opts ...rdb.FindOption) ([]rdb.Row, error) {
	values, err := r.client.HVals(ctx, r.rowsKey(model.Table)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis HVALS failed")
	}
	rows, err := r.decodeAll(values)
	if err != nil {
		return nil, err
	}
	return filterRows(model, rows, q, rdb.NewFindOptions(opts...)), nil
}

func (r *Redis) Count(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	if q == nil {
		n, err := r.client.HLen(ctx, r.rowsKey(model.Table)).Result()
		return n, errors.Wrap(err, "redis HLEN failed")
	}
	rows, err := r.Find(ctx, model, q)
	return int64(len(rows)), err
}

func (r *Redis) DeleteWhere(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	rows, err := r.Find(ctx, model, q)
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	fields := make([]string, 0, len(rows))
	for _, row := range rows {
		_, field, err := r.field(model, row[model.PrimaryKey])
		if err != nil {
			return 0, err
		}
		fields = append(fields, field)
	}
	n, err := r.client.HDel(ctx, r.rowsKey(model.Table), fields...).Result()
	return n, errors.Wrap(err, "redis HDEL failed")
}

// WithTx 直接在当前连接上执行
func (r *Redis) WithTx(ctx context.Context, fn func(ctx context.Context, tx rdb.Conn) error) error {
	return fn(ctx, r)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
