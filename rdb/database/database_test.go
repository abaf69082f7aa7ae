package database

import (
	"context"
	"errors"
	"testing"

	. "github.com/bytedance/mockey"
	"github.com/hatlonely/multidb/alias"
	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/query"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	Convey("Open", t, func() {
		Convey("内置后端均已注册", func() {
			So(Kinds(), ShouldContain, "memory")
			So(Kinds(), ShouldContain, "sqlite3")
			So(Kinds(), ShouldContain, "sqlite")
			So(Kinds(), ShouldContain, "mysql")
			So(Kinds(), ShouldContain, "postgres")
			So(Kinds(), ShouldContain, "gorm")
			So(Kinds(), ShouldContain, "mongo")
			So(Kinds(), ShouldContain, "redis")
			So(Kinds(), ShouldContain, "bolt")
			So(Kinds(), ShouldContain, "dynamodb")
		})

		Convey("未知后端", func() {
			_, err := Open(ctx, &alias.Descriptor{Backend: "oracle"})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "oracle")
		})

		Convey("nil 描述", func() {
			_, err := Open(ctx, nil)
			So(err, ShouldNotBeNil)
		})

		Convey("参数校验失败", func() {
			_, err := Open(ctx, &alias.Descriptor{Backend: "bolt", Options: map[string]any{}})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "failed to open bolt")

			_, err = Open(ctx, &alias.Descriptor{Backend: "redis", Options: map[string]any{"codec": "xml"}})
			So(err, ShouldNotBeNil)
		})

		Convey("自定义后端", func() {
			Register("test-custom", func(ctx context.Context, options map[string]any) (rdb.Conn, error) {
				return NewMemoryWithOptions(&MemoryOptions{Name: "test-custom"})
			})
			conn, err := Open(ctx, &alias.Descriptor{Backend: "test-custom"})
			So(err, ShouldBeNil)
			So(conn.Kind(), ShouldEqual, "memory")
		})
	})
}

func TestDecodeOptions(t *testing.T) {
	Convey("decodeOptions", t, func() {
		Convey("填充默认值", func() {
			opts, err := decodeOptions[RedisOptions](map[string]any{"endpoint": "127.0.0.1:6380"})
			So(err, ShouldBeNil)
			So(opts.Endpoint, ShouldEqual, "127.0.0.1:6380")
			So(opts.KeyPrefix, ShouldEqual, "multidb")
			So(opts.Codec, ShouldEqual, "msgpack")
			So(opts.Identity, ShouldBeNil)
		})

		Convey("弱类型转换", func() {
			opts, err := decodeOptions[SQLOptions](map[string]any{"port": "3307", "connMaxLifetime": "30m"})
			So(err, ShouldBeNil)
			So(opts.Port, ShouldEqual, 3307)
			So(opts.ConnMaxLifetime.Minutes(), ShouldEqual, 30)
		})

		Convey("嵌套的主键生成配置", func() {
			opts, err := decodeOptions[MemoryOptions](map[string]any{"identity": map[string]any{"machineID": 7}})
			So(err, ShouldBeNil)
			So(opts.Identity, ShouldNotBeNil)
			So(*opts.Identity.MachineID, ShouldEqual, 7)
			So(opts.Identity.UUIDVersion, ShouldEqual, "v7")
		})
	})
}

func TestNamedMemory(t *testing.T) {
	ctx := context.Background()
	model := mustModel(account{})

	Convey("同名内存库共享数据", t, func() {
		a, err := NewMemoryWithOptions(&MemoryOptions{Name: "shared-test"})
		So(err, ShouldBeNil)
		b, err := NewMemoryWithOptions(&MemoryOptions{Name: "shared-test"})
		So(err, ShouldBeNil)
		c, err := NewMemoryWithOptions(nil)
		So(err, ShouldBeNil)

		id, err := a.Insert(ctx, model, rdb.Row{"email": "x@example.com"})
		So(err, ShouldBeNil)

		_, err = b.Get(ctx, model, id)
		So(err, ShouldBeNil)
		_, err = c.Get(ctx, model, id)
		So(errors.Is(err, rdb.ErrRowNotFound), ShouldBeTrue)

		_, err = a.DeleteWhere(ctx, model, query.Term("email", "x@example.com"))
		So(err, ShouldBeNil)
	})

	Convey("取消的 context", t, func() {
		m, _ := NewMemoryWithOptions(nil)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := m.Insert(cctx, model, rdb.Row{"email": "y@example.com"})
		So(errors.Is(err, context.Canceled), ShouldBeTrue)
	})
}

func TestRedisPingFailed(t *testing.T) {
	PatchConvey("redis 连接失败", t, func() {
		cmd := redis.NewStatusCmd(context.Background())
		cmd.SetErr(errors.New("connection refused"))
		Mock((*redis.Client).Ping).Return(cmd).Build()

		_, err := NewRedisWithOptions(context.Background(), &RedisOptions{Endpoint: "localhost:1", Codec: "json"})
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "connection refused")
	})
}
