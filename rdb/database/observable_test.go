package database

import (
	"context"
	"errors"
	"testing"

	"github.com/hatlonely/multidb/cfg"
	"github.com/hatlonely/multidb/log"
	"github.com/hatlonely/multidb/rdb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestObservable(t *testing.T) {
	ctx := context.Background()
	model := mustModel(account{})

	Convey("Observable", t, func() {
		inner, err := NewMemoryWithOptions(nil)
		So(err, ShouldBeNil)

		obs, err := NewObservableWithOptions(inner, "primary", &ObservableOptions{
			Name:          "multidb_observable_test",
			EnableMetrics: true,
			EnableLogging: true,
			EnableTracing: true,
		}, log.Nop())
		So(err, ShouldBeNil)
		So(obs.Kind(), ShouldEqual, "memory")
		So(obs.Unwrap(), ShouldEqual, inner)

		counter := obs.metrics.operationCounter

		Convey("记录成功和失败的操作", func() {
			before := testutil.ToFloat64(counter.WithLabelValues("primary", "memory", "Insert", "success"))
			id, err := obs.Insert(ctx, model, rdb.Row{"email": "a@example.com"})
			So(err, ShouldBeNil)
			So(testutil.ToFloat64(counter.WithLabelValues("primary", "memory", "Insert", "success")), ShouldEqual, before+1)

			failed := testutil.ToFloat64(counter.WithLabelValues("primary", "memory", "Insert", "error"))
			_, err = obs.Insert(ctx, model, rdb.Row{"id": id, "email": "b@example.com"})
			So(rdb.IsUniqueConstraint(err), ShouldBeTrue)
			So(testutil.ToFloat64(counter.WithLabelValues("primary", "memory", "Insert", "error")), ShouldEqual, failed+1)
		})

		Convey("未找到不计为失败", func() {
			failed := testutil.ToFloat64(counter.WithLabelValues("primary", "memory", "Get", "error"))
			_, err := obs.Get(ctx, model, int64(999))
			So(errors.Is(err, rdb.ErrRowNotFound), ShouldBeTrue)
			So(testutil.ToFloat64(counter.WithLabelValues("primary", "memory", "Get", "error")), ShouldEqual, failed)
		})

		Convey("事务中的连接同样被观测", func() {
			before := testutil.ToFloat64(counter.WithLabelValues("primary", "memory", "Update", "success"))
			err := obs.WithTx(ctx, func(ctx context.Context, tx rdb.Conn) error {
				_, isObservable := tx.(*Observable)
				So(isObservable, ShouldBeTrue)
				_, err := tx.Update(ctx, model, int64(1), rdb.Row{"name": "x"})
				return err
			})
			So(err, ShouldBeNil)
			So(testutil.ToFloat64(counter.WithLabelValues("primary", "memory", "Update", "success")), ShouldEqual, before+1)
		})

		Convey("同名指标重复创建复用同一组", func() {
			again, err := NewObservableWithOptions(inner, "replica", &ObservableOptions{Name: "multidb_observable_test", EnableMetrics: true}, nil)
			So(err, ShouldBeNil)
			So(again.metrics, ShouldEqual, obs.metrics)
		})

		Convey("指标名不合法返回错误", func() {
			_, err := NewObservableWithOptions(inner, "x", &ObservableOptions{Name: "multi-db", EnableMetrics: true}, nil)
			So(err, ShouldNotBeNil)

			m, err := NewObservableMetrics("multi-db")
			So(err, ShouldNotBeNil)
			So(m, ShouldBeNil)
		})

		Convey("配置中显式关闭指标和日志", func() {
			var options ObservableOptions
			So(cfg.Decode(map[string]any{"enableMetrics": false, "enableLogging": false}, &options), ShouldBeNil)
			So(options.EnableMetrics, ShouldBeFalse)
			So(options.EnableLogging, ShouldBeFalse)
			So(options.Name, ShouldEqual, "multidb")

			plain, err := NewObservableWithOptions(inner, "x", &options, nil)
			So(err, ShouldBeNil)
			So(plain.metrics, ShouldBeNil)
			So(plain.logger, ShouldBeNil)
		})

		Convey("参数错误", func() {
			_, err := NewObservableWithOptions(nil, "x", &ObservableOptions{}, nil)
			So(err, ShouldNotBeNil)
			_, err = NewObservableWithOptions(inner, "x", nil, nil)
			So(err, ShouldNotBeNil)
		})
	})
}
