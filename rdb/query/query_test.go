package query

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestTermQuery(t *testing.T) {
	Convey("测试 TermQuery", t, func() {
		q := Term("name", "alice")
		So(q.Type(), ShouldEqual, QueryTypeTerm)

		Convey("ToSQL", func() {
			sql, args, err := q.ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "name = ?")
			So(args, ShouldResemble, []interface{}{"alice"})
		})

		Convey("ToMongo", func() {
			result, err := q.ToMongo()
			So(err, ShouldBeNil)
			So(result, ShouldResemble, map[string]interface{}{"name": "alice"})
		})

		Convey("Match", func() {
			So(q.Match(map[string]interface{}{"name": "alice"}), ShouldBeTrue)
			So(q.Match(map[string]interface{}{"name": "bob"}), ShouldBeFalse)
			So(q.Match(map[string]interface{}{}), ShouldBeFalse)
		})

		Convey("数值类型宽松比较", func() {
			So(Term("age", 18).Match(map[string]interface{}{"age": int64(18)}), ShouldBeTrue)
			So(Term("age", 18).Match(map[string]interface{}{"age": 18.0}), ShouldBeTrue)
			So(Term("age", 18).Match(map[string]interface{}{"age": 19}), ShouldBeFalse)
		})

		Convey("非法列名", func() {
			_, _, err := Term("name; DROP TABLE x", 1).ToSQL()
			So(err, ShouldNotBeNil)
		})
	})
}

func TestInQuery(t *testing.T) {
	Convey("测试 InQuery", t, func() {
		q := In("status", "active", "pending")
		So(q.Type(), ShouldEqual, QueryTypeIn)

		sql, args, err := q.ToSQL()
		So(err, ShouldBeNil)
		So(sql, ShouldEqual, "status IN (?, ?)")
		So(args, ShouldHaveLength, 2)

		So(q.Match(map[string]interface{}{"status": "pending"}), ShouldBeTrue)
		So(q.Match(map[string]interface{}{"status": "deleted"}), ShouldBeFalse)

		Convey("空列表不匹配任何行", func() {
			sql, _, err := In("status").ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "1=0")
			So(In("status").Match(map[string]interface{}{"status": "x"}), ShouldBeFalse)
		})
	})
}

func TestRangeQuery(t *testing.T) {
	Convey("测试 RangeQuery", t, func() {
		q := &RangeQuery{Field: "age", Gte: 18, Lt: 30}
		So(q.Type(), ShouldEqual, QueryTypeRange)

		Convey("ToSQL", func() {
			sql, args, err := q.ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "age >= ? AND age < ?")
			So(args, ShouldResemble, []interface{}{18, 30})
		})

		Convey("ToMongo", func() {
			result, err := q.ToMongo()
			So(err, ShouldBeNil)
			So(result, ShouldResemble, map[string]interface{}{
				"age": map[string]interface{}{"$gte": 18, "$lt": 30},
			})
		})

		Convey("Match", func() {
			So(q.Match(map[string]interface{}{"age": 18}), ShouldBeTrue)
			So(q.Match(map[string]interface{}{"age": int64(29)}), ShouldBeTrue)
			So(q.Match(map[string]interface{}{"age": 30}), ShouldBeFalse)
			So(q.Match(map[string]interface{}{"age": 17.5}), ShouldBeFalse)
			So(q.Match(map[string]interface{}{"age": nil}), ShouldBeFalse)
		})

		Convey("时间范围", func() {
			now := time.Now()
			q := &RangeQuery{Field: "created", Gt: now.Add(-time.Hour)}
			So(q.Match(map[string]interface{}{"created": now}), ShouldBeTrue)
			So(q.Match(map[string]interface{}{"created": now.Add(-2 * time.Hour)}), ShouldBeFalse)
		})

		Convey("没有边界", func() {
			sql, args, err := Range("age").ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "1=1")
			So(args, ShouldBeNil)
		})
	})
}

func TestExistsAndPrefixQuery(t *testing.T) {
	Convey("测试 ExistsQuery", t, func() {
		q := Exists("email")
		sql, _, err := q.ToSQL()
		So(err, ShouldBeNil)
		So(sql, ShouldEqual, "email IS NOT NULL")
		So(q.Match(map[string]interface{}{"email": "a@b.c"}), ShouldBeTrue)
		So(q.Match(map[string]interface{}{"email": nil}), ShouldBeFalse)
		So(q.Match(map[string]interface{}{}), ShouldBeFalse)
	})

	Convey("测试 PrefixQuery", t, func() {
		q := Prefix("name", "al")
		sql, args, err := q.ToSQL()
		So(err, ShouldBeNil)
		So(sql, ShouldEqual, "(name LIKE ? ESCAPE '!' AND SUBSTR(name, 1, 2) = ?)")
		So(args, ShouldResemble, []interface{}{"al%", "al"})

		sql, args, err = Prefix("name", "a_%!中").ToSQL()
		So(err, ShouldBeNil)
		So(sql, ShouldEqual, "(name LIKE ? ESCAPE '!' AND SUBSTR(name, 1, 5) = ?)")
		So(args, ShouldResemble, []interface{}{"a!_!%!!中%", "a_%!中"})

		sql, args, err = Prefix("name", "").ToSQL()
		So(err, ShouldBeNil)
		So(sql, ShouldEqual, "name IS NOT NULL")
		So(args, ShouldBeEmpty)

		result, err := Prefix("name", "a.b").ToMongo()
		So(err, ShouldBeNil)
		So(result, ShouldResemble, map[string]interface{}{
			"name": map[string]interface{}{"$regex": `^a\.b`},
		})

		So(q.Match(map[string]interface{}{"name": "alice"}), ShouldBeTrue)
		So(q.Match(map[string]interface{}{"name": "bob"}), ShouldBeFalse)
		So(q.Match(map[string]interface{}{"name": 12}), ShouldBeFalse)
		So(q.Match(map[string]interface{}{"name": "Alice"}), ShouldBeFalse)
		So(Prefix("name", "a_").Match(map[string]interface{}{"name": "ab"}), ShouldBeFalse)
		So(Prefix("name", "a_").Match(map[string]interface{}{"name": "a_b"}), ShouldBeTrue)
	})
}

func TestBoolQuery(t *testing.T) {
	Convey("测试 BoolQuery", t, func() {
		So((&BoolQuery{}).Type(), ShouldEqual, QueryTypeBool)

		q := &BoolQuery{
			Must:    []Query{Term("status", "active")},
			Should:  []Query{Term("role", "admin"), Term("role", "owner")},
			MustNot: []Query{Term("deleted", true)},
		}

		Convey("ToSQL", func() {
			sql, args, err := q.ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "(status = ?) AND (role = ? OR role = ?) AND (NOT (deleted = ?))")
			So(args, ShouldResemble, []interface{}{"active", "admin", "owner", true})
		})

		Convey("空的 BoolQuery", func() {
			sql, args, err := (&BoolQuery{}).ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "1=1")
			So(args, ShouldBeNil)

			result, err := (&BoolQuery{}).ToMongo()
			So(err, ShouldBeNil)
			So(result, ShouldBeEmpty)
		})

		Convey("ToMongo", func() {
			result, err := q.ToMongo()
			So(err, ShouldBeNil)
			So(result["$and"], ShouldHaveLength, 3)

			single, err := (&BoolQuery{Must: []Query{Term("a", 1)}}).ToMongo()
			So(err, ShouldBeNil)
			So(single, ShouldResemble, map[string]interface{}{"a": 1})
		})

		Convey("Match", func() {
			So(q.Match(map[string]interface{}{"status": "active", "role": "admin", "deleted": false}), ShouldBeTrue)
			So(q.Match(map[string]interface{}{"status": "active", "role": "guest", "deleted": false}), ShouldBeFalse)
			So(q.Match(map[string]interface{}{"status": "active", "role": "owner", "deleted": true}), ShouldBeFalse)
			So(q.Match(map[string]interface{}{"status": "inactive", "role": "owner"}), ShouldBeFalse)
		})

		Convey("子条件错误向上传递", func() {
			_, _, err := (&BoolQuery{Must: []Query{Term("bad name", 1)}}).ToSQL()
			So(err, ShouldNotBeNil)
		})
	})
}

func TestAnd(t *testing.T) {
	Convey("测试 And", t, func() {
		So(And(), ShouldBeNil)
		So(And(nil, nil), ShouldBeNil)

		term := Term("a", 1)
		So(And(nil, term), ShouldEqual, term)

		q := And(term, Term("b", 2))
		So(q.Type(), ShouldEqual, QueryTypeBool)
		So(q.(*BoolQuery).Must, ShouldHaveLength, 2)
	})
}

func TestCompare(t *testing.T) {
	Convey("测试 Compare", t, func() {
		c, ok := Compare(1, 2.5)
		So(ok, ShouldBeTrue)
		So(c, ShouldEqual, -1)

		c, ok = Compare("b", "a")
		So(ok, ShouldBeTrue)
		So(c, ShouldEqual, 1)

		// 超过 float64 精度的大整数
		c, ok = Compare(int64(1<<60), int64(1<<60+1))
		So(ok, ShouldBeTrue)
		So(c, ShouldEqual, -1)

		_, ok = Compare("a", 1)
		So(ok, ShouldBeFalse)

		So(Equal(nil, nil), ShouldBeTrue)
		So(Equal(nil, 0), ShouldBeFalse)
		So(Equal(true, true), ShouldBeTrue)
	})
}
