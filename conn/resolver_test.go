package conn

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hatlonely/multidb/alias"
	"github.com/hatlonely/multidb/log"
	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/database"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func newRegistry() *alias.Registry {
	r, err := alias.NewRegistry(map[string]*alias.Descriptor{
		alias.DefaultAlias: {Backend: "memory"},
		"replica":          {Backend: "memory", Options: map[string]any{"name": "resolver-replica"}},
	})
	if err != nil {
		panic(err)
	}
	return r
}

// countingOpener 记录每个别名建立连接的次数
type countingOpener struct {
	mu      sync.Mutex
	opens   map[string]int
	release chan struct{}
	fail    error
}

func (o *countingOpener) open(ctx context.Context, d *alias.Descriptor) (rdb.Conn, error) {
	o.mu.Lock()
	o.opens[d.Backend]++
	o.mu.Unlock()
	if o.release != nil {
		<-o.release
	}
	if o.fail != nil {
		return nil, o.fail
	}
	return database.Open(ctx, d)
}

func (o *countingOpener) count(backend string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[backend]
}

func TestResolver(t *testing.T) {
	ctx := context.Background()

	Convey("Resolver", t, func() {
		opener := &countingOpener{opens: map[string]int{}}
		r := New(newRegistry(), WithOpener(opener.open), WithLogger(log.Nop()))
		defer r.Close()

		Convey("同一别名返回同一个连接", func() {
			c1, err := r.ConnectionFor(ctx, "default")
			So(err, ShouldBeNil)
			c2, err := r.ConnectionFor(ctx, "default")
			So(err, ShouldBeNil)
			So(c1, ShouldEqual, c2)
			So(opener.count("memory"), ShouldEqual, 1)

			c3, err := r.ConnectionFor(ctx, "replica")
			So(err, ShouldBeNil)
			So(c3, ShouldNotEqual, c1)
			So(r.Connected(), ShouldResemble, []string{"default", "replica"})
		})

		Convey("未知别名不会回退到 default", func() {
			_, err := r.ConnectionFor(ctx, "archive")
			So(alias.IsUnknownAlias(err), ShouldBeTrue)
			So(opener.count("memory"), ShouldEqual, 0)
			So(r.Connected(), ShouldBeEmpty)
		})

		Convey("关闭后不能再获取连接", func() {
			_, err := r.ConnectionFor(ctx, "default")
			So(err, ShouldBeNil)
			So(r.Close(), ShouldBeNil)
			So(r.Connected(), ShouldBeEmpty)
			_, err = r.ConnectionFor(ctx, "default")
			So(errors.Is(err, ErrClosed), ShouldBeTrue)
		})
	})

	Convey("并发请求只建立一个连接", t, func() {
		opener := &countingOpener{opens: map[string]int{}, release: make(chan struct{})}
		r := New(newRegistry(), WithOpener(opener.open), WithLogger(log.Nop()))
		defer r.Close()

		var wg sync.WaitGroup
		var failures int32
		conns := make([]rdb.Conn, 32)
		for i := range conns {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c, err := r.ConnectionFor(ctx, "default")
				if err != nil {
					atomic.AddInt32(&failures, 1)
				}
				conns[i] = c
			}(i)
		}
		time.Sleep(50 * time.Millisecond)
		close(opener.release)
		wg.Wait()

		So(failures, ShouldEqual, 0)
		So(opener.count("memory"), ShouldEqual, 1)
		for _, c := range conns {
			So(c, ShouldEqual, conns[0])
		}
	})

	Convey("建立失败返回 ConnectionError 且不缓存", t, func() {
		opener := &countingOpener{opens: map[string]int{}, fail: errors.New("dial tcp: connection refused")}
		r := New(newRegistry(), WithOpener(opener.open), WithLogger(log.Nop()))
		defer r.Close()

		_, err := r.ConnectionFor(ctx, "replica")
		So(IsConnectionError(err), ShouldBeTrue)
		var ce *ConnectionError
		So(errors.As(err, &ce), ShouldBeTrue)
		So(ce.Alias, ShouldEqual, "replica")
		So(ce.Backend, ShouldEqual, "memory")
		So(err.Error(), ShouldContainSubstring, "connection refused")

		_, err = r.ConnectionFor(ctx, "replica")
		So(IsConnectionError(err), ShouldBeTrue)
		So(opener.count("memory"), ShouldEqual, 2)
		So(r.Connected(), ShouldBeEmpty)

		opener.fail = nil
		_, err = r.ConnectionFor(ctx, "replica")
		So(err, ShouldBeNil)
	})

	Convey("调用方取消不影响正在建立的连接", t, func() {
		opener := &countingOpener{opens: map[string]int{}, release: make(chan struct{})}
		r := New(newRegistry(), WithOpener(opener.open), WithLogger(log.Nop()))
		defer r.Close()

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := r.ConnectionFor(cctx, "default")
		So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)

		close(opener.release)
		c, err := r.ConnectionFor(ctx, "default")
		So(err, ShouldBeNil)
		So(c, ShouldNotBeNil)
		So(opener.count("memory"), ShouldEqual, 1)
	})

	Convey("默认使用 database.Open 并可添加观测", t, func() {
		r := New(newRegistry(), WithLogger(log.Nop()), WithObserve(&database.ObservableOptions{Name: "multidb_resolver_test", EnableMetrics: true}))
		defer r.Close()

		c, err := r.ConnectionFor(ctx, "default")
		So(err, ShouldBeNil)
		_, ok := c.(*database.Observable)
		So(ok, ShouldBeTrue)
		So(c.Kind(), ShouldEqual, "memory")
		So(r.Registry().Has("replica"), ShouldBeTrue)
	})
	Convey("观测初始化失败返回连接错误且不缓存", t, func() {
		r := New(newRegistry(), WithLogger(log.Nop()), WithObserve(&database.ObservableOptions{Name: "multi-db", EnableMetrics: true}))
		defer r.Close()

		c, err := r.ConnectionFor(ctx, "default")
		So(c, ShouldBeNil)
		var connErr *ConnectionError
		So(errors.As(err, &connErr), ShouldBeTrue)
		So(connErr.Alias, ShouldEqual, "default")
		So(connErr.Backend, ShouldEqual, "memory")
		So(r.Connected(), ShouldBeEmpty)
	})
}
