package orm

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/query"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func seedPeople(db *DB, name string, n int) []*person {
	people := make([]*person, 0, n)
	for i := 1; i <= n; i++ {
		p := &person{Name: fmt.Sprintf("p%d", i), Age: i * 10}
		_, err := db.Save(context.Background(), p, Using(name))
		So(err, ShouldBeNil)
		people = append(people, p)
	}
	return people
}

func ages(people []*person) []int {
	out := make([]int, 0, len(people))
	for _, p := range people {
		out = append(out, p.Age)
	}
	return out
}

func TestQuery(t *testing.T) {
	ctx := context.Background()

	for _, backend := range testBackends {
		Convey("Query on "+backend, t, func() {
			db := newTestDB(t, backend)
			people := seedPeople(db, "first", 5)
			q := NewQuery[person](db).Using("first")

			Convey("条件、排序和分页", func() {
				all, err := q.Filter(&query.RangeQuery{Field: "age", Gte: 20}).OrderBy("age", true).Limit(2).All(ctx)
				So(err, ShouldBeNil)
				So(ages(all), ShouldResemble, []int{50, 40})
				for _, p := range all {
					So(p.State().Alias(), ShouldEqual, "first")
				}

				page, err := q.OrderBy("age", false).Offset(1).Limit(2).All(ctx)
				So(err, ShouldBeNil)
				So(ages(page), ShouldResemble, []int{20, 30})

				n, err := q.Filter(query.In("name", "p1", "p3")).Count(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 2)
			})

			Convey("Filter 之间为 AND", func() {
				n, err := q.Filter(&query.RangeQuery{Field: "age", Gt: 10}).Filter(&query.RangeQuery{Field: "age", Lt: 50}).Count(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 3)
			})

			Convey("查询值不可变", func() {
				filtered := q.Filter(query.Term("name", "p1"))
				n, err := q.Count(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 5)
				n, err = filtered.Count(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 1)

				second := WithAlias(q, "second")
				So(q.Alias(), ShouldEqual, "first")
				So(second.Alias(), ShouldEqual, "second")
				n, err = second.Count(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 0)
			})

			Convey("未绑定的查询使用 default", func() {
				unbound := NewQuery[person](db)
				So(unbound.Alias(), ShouldEqual, Unbound)
				n, err := unbound.Count(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 0)
				So(q.Using(Unbound).Alias(), ShouldEqual, Unbound)
			})

			Convey("First 和 Get", func() {
				p, err := q.OrderBy("age", true).First(ctx)
				So(err, ShouldBeNil)
				So(p.Name, ShouldEqual, "p5")

				_, err = q.Filter(query.Term("name", "nobody")).First(ctx)
				So(errors.Is(err, rdb.ErrRowNotFound), ShouldBeTrue)

				p, err = q.Get(ctx, people[1].ID)
				So(err, ShouldBeNil)
				So(p.Name, ShouldEqual, "p2")
				So(p.State().Alias(), ShouldEqual, "first")

				p, err = q.Filter(query.Term("name", "p2")).Get(ctx, people[1].ID)
				So(err, ShouldBeNil)
				So(p.Age, ShouldEqual, 20)

				_, err = q.Filter(query.Term("name", "p3")).Get(ctx, people[1].ID)
				So(errors.Is(err, rdb.ErrRowNotFound), ShouldBeTrue)

				_, err = q.Get(ctx, int64(9999))
				So(errors.Is(err, rdb.ErrRowNotFound), ShouldBeTrue)
			})

			Convey("读取的对象保存回来源别名", func() {
				p, err := q.Get(ctx, people[0].ID)
				So(err, ShouldBeNil)
				p.Age = 11
				res, err := db.Save(ctx, p)
				So(err, ShouldBeNil)
				So(res.Alias, ShouldEqual, "first")
				So(res.Action, ShouldEqual, ActionUpdated)
			})

			Convey("批量删除", func() {
				n, err := q.Filter(&query.RangeQuery{Field: "age", Lte: 20}).Delete(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 2)
				So(countOn(db, "first"), ShouldEqual, 3)

				n, err = q.Delete(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 3)
			})
		})
	}

	Convey("没有 DB 的查询", t, func() {
		_, err := Query[person]{}.All(ctx)
		So(err, ShouldNotBeNil)
	})
}

func TestOps(t *testing.T) {
	ctx := context.Background()

	Convey("SaveOp 和 DeleteOp", t, func() {
		db := newTestDB(t, "memory")
		p := &person{Name: "alice"}

		op := NewSaveOp(db, p)
		bound := WithAlias(op, "first")
		So(op.Alias(), ShouldEqual, Unbound)
		So(bound.Alias(), ShouldEqual, "first")
		So(bound.IsForceInsert(), ShouldBeFalse)
		So(bound.ForceInsert().IsForceInsert(), ShouldBeTrue)
		So(bound.IsForceInsert(), ShouldBeFalse)

		res, err := bound.Exec(ctx)
		So(err, ShouldBeNil)
		So(res.Alias, ShouldEqual, "first")

		res, err = bound.Using("second").Exec(ctx)
		So(err, ShouldBeNil)
		So(res.Action, ShouldEqual, ActionInserted)

		_, err = bound.ForceInsert().Exec(ctx)
		So(rdb.IsUniqueConstraint(err), ShouldBeTrue)

		p.Name = "alice2"
		res, err = bound.Fields("name").ForceUpdate().Exec(ctx)
		So(err, ShouldBeNil)
		So(res.Action, ShouldEqual, ActionUpdated)

		del := NewDeleteOp(db, p)
		n, err := WithAlias(del, "first").Exec(ctx)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)
		So(del.Alias(), ShouldEqual, Unbound)

		n, err = del.Exec(ctx)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 0)
		So(countOn(db, "second"), ShouldEqual, 1)
	})
}

func TestConcurrentAliases(t *testing.T) {
	ctx := context.Background()

	Convey("不同别名上的并发操作互不影响", t, func() {
		db := newTestDB(t, "memory")

		var wg sync.WaitGroup
		errs := make(chan error, 160)
		for i := 0; i < 8; i++ {
			name := "first"
			if i%2 == 1 {
				name = "second"
			}
			m := Bind[person](db, name)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					p := &person{Name: fmt.Sprintf("%s-%d", name, j)}
					res, err := m.Save(ctx, p)
					if err == nil && res.Alias != name {
						err = errors.Errorf("saved to %s, expected %s", res.Alias, name)
					}
					if err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			So(err, ShouldBeNil)
		}
		So(countOn(db, "first"), ShouldEqual, 80)
		So(countOn(db, "second"), ShouldEqual, 80)
		So(countOn(db, "default"), ShouldEqual, 0)
		So(db.Resolver().Connected(), ShouldResemble, []string{"default", "first", "second"})
	})
}
