package rdb

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type modelUser struct {
	ID        int64          `rdb:"id,primary"`
	Email     string         `rdb:"email,unique,size=128"`
	Name      string         `rdb:"name,required,default='anon'"`
	Age       int            `rdb:"age,index"`
	Nickname  *string        `rdb:"nickname"`
	Tags      []string       `rdb:"tags"`
	Meta      map[string]any `rdb:"meta"`
	Active    bool           `rdb:"active"`
	Score     float64        `rdb:"score"`
	CreatedAt time.Time      `rdb:"created_at"`
	Ignored   string         `rdb:"-"`
	secret    string
}

func (modelUser) TableName() string {
	return "users"
}

type Audit struct {
	CreatedBy string `rdb:"created_by"`
}

type article struct {
	Audit
	Code  string `rdb:"code,pk,size=32"`
	Title string `rdb:"title,index=idx_title_lang"`
	Lang  string `rdb:"lang,index=idx_title_lang"`
}

func TestModelOf(t *testing.T) {
	Convey("从结构体构建表模型", t, func() {
		model, err := ModelOf(&modelUser{})
		So(err, ShouldBeNil)
		So(model.Table, ShouldEqual, "users")
		So(model.PrimaryKey, ShouldEqual, "id")
		So(model.AutoIncrement, ShouldBeTrue)
		So(model.Columns(), ShouldResemble, []string{
			"id", "email", "name", "age", "nickname", "tags", "meta", "active", "score", "created_at",
		})

		email, ok := model.Field("email")
		So(ok, ShouldBeTrue)
		So(email.Size, ShouldEqual, 128)
		So(email.Type, ShouldEqual, FieldTypeString)

		name, _ := model.Field("name")
		So(name.Required, ShouldBeTrue)
		So(name.Default, ShouldEqual, "anon")

		types := map[string]FieldType{}
		for _, f := range model.Fields {
			types[f.Name] = f.Type
		}
		So(types["nickname"], ShouldEqual, FieldTypeString)
		So(types["tags"], ShouldEqual, FieldTypeJSON)
		So(types["meta"], ShouldEqual, FieldTypeJSON)
		So(types["active"], ShouldEqual, FieldTypeBool)
		So(types["score"], ShouldEqual, FieldTypeFloat)
		So(types["created_at"], ShouldEqual, FieldTypeDate)

		So(model.Indexes, ShouldResemble, []IndexDefinition{
			{Name: "uk_email", Fields: []string{"email"}, Unique: true},
			{Name: "idx_age", Fields: []string{"age"}},
		})

		_, ok = model.Field("Ignored")
		So(ok, ShouldBeFalse)

		Convey("按类型缓存", func() {
			again, err := ModelOf(modelUser{})
			So(err, ShouldBeNil)
			So(again, ShouldEqual, model)
		})

		Convey("嵌入结构体和组合索引", func() {
			m, err := ModelOf(&article{})
			So(err, ShouldBeNil)
			So(m.Table, ShouldEqual, "article")
			So(m.PrimaryKey, ShouldEqual, "code")
			So(m.AutoIncrement, ShouldBeFalse)
			So(m.Columns(), ShouldResemble, []string{"created_by", "code", "title", "lang"})
			So(m.Indexes, ShouldResemble, []IndexDefinition{
				{Name: "idx_title_lang", Fields: []string{"title", "lang"}},
			})
		})

		Convey("没有主键标记时使用 id 列", func() {
			type event struct {
				ID   int    `rdb:"id"`
				Kind string `rdb:"kind"`
			}
			m, err := ModelOf(&event{})
			So(err, ShouldBeNil)
			So(m.PrimaryKey, ShouldEqual, "id")
			So(m.PrimaryField().Primary, ShouldBeTrue)
		})

		Convey("非法模型", func() {
			type noKey struct {
				Name string `rdb:"name"`
			}
			type twoKeys struct {
				A int `rdb:"a,primary"`
				B int `rdb:"b,primary"`
			}
			type badSize struct {
				ID   int    `rdb:"id,primary"`
				Name string `rdb:"name,size=abc"`
			}
			_, err := ModelOf(&noKey{})
			So(err, ShouldNotBeNil)
			_, err = ModelOf(&twoKeys{})
			So(err, ShouldNotBeNil)
			_, err = ModelOf(&badSize{})
			So(err, ShouldNotBeNil)
			_, err = ModelOf(42)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestRowConversion(t *testing.T) {
	Convey("结构体和行互相转换", t, func() {
		model, err := ModelOf(&modelUser{})
		So(err, ShouldBeNil)

		Convey("ToRow", func() {
			nick := "al"
			u := &modelUser{Email: "a@x.io", Nickname: &nick, Tags: []string{"a"}}
			row, err := model.ToRow(u)
			So(err, ShouldBeNil)
			_, hasID := row["id"]
			So(hasID, ShouldBeFalse)
			So(row["nickname"], ShouldEqual, "al")
			So(row["tags"], ShouldResemble, []string{"a"})

			u.ID = 7
			u.Nickname = nil
			row, err = model.ToRow(u)
			So(err, ShouldBeNil)
			So(row["id"], ShouldEqual, 7)
			So(row["nickname"], ShouldBeNil)

			_, err = model.ToRow(nil)
			So(err, ShouldNotBeNil)
		})

		Convey("ScanRow 兼容各个驱动返回的类型", func() {
			u := &modelUser{}
			err := model.ScanRow(Row{
				"id":         "42",
				"email":      []byte("a@x.io"),
				"nickname":   "al",
				"tags":       `["a","b"]`,
				"meta":       map[string]any{"k": "v"},
				"active":     int64(1),
				"score":      "1.5",
				"created_at": "2024-01-02 03:04:05",
				"age":        nil,
			}, u)
			So(err, ShouldBeNil)
			So(u.ID, ShouldEqual, 42)
			So(u.Email, ShouldEqual, "a@x.io")
			So(*u.Nickname, ShouldEqual, "al")
			So(u.Tags, ShouldResemble, []string{"a", "b"})
			So(u.Meta, ShouldResemble, map[string]any{"k": "v"})
			So(u.Active, ShouldBeTrue)
			So(u.Score, ShouldEqual, 1.5)
			So(u.CreatedAt.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)), ShouldBeTrue)

			Convey("文档型后端返回的通用切片", func() {
				v := &modelUser{}
				So(model.ScanRow(Row{"tags": []any{"x", "y"}, "created_at": int64(1700000000000)}, v), ShouldBeNil)
				So(v.Tags, ShouldResemble, []string{"x", "y"})
				So(v.CreatedAt.UnixMilli(), ShouldEqual, 1700000000000)
			})

			Convey("无法转换时报错", func() {
				So(model.ScanRow(Row{"age": "abc"}, &modelUser{}), ShouldNotBeNil)
				So(model.ScanRow(Row{}, modelUser{}), ShouldNotBeNil)
			})
		})

		Convey("主键读写", func() {
			u := &modelUser{}
			_, set, err := model.Identity(u)
			So(err, ShouldBeNil)
			So(set, ShouldBeFalse)

			So(model.SetIdentity(u, int64(9)), ShouldBeNil)
			id, set, err := model.Identity(u)
			So(err, ShouldBeNil)
			So(set, ShouldBeTrue)
			So(id, ShouldEqual, int64(9))

			So(model.SetIdentity(u, nil), ShouldBeNil)
			So(u.ID, ShouldEqual, 0)
			So(model.SetIdentity(*u, 1), ShouldNotBeNil)
		})

		Convey("NormalizeID", func() {
			id, err := model.NormalizeID("7")
			So(err, ShouldBeNil)
			So(id, ShouldEqual, int64(7))
			id, err = model.NormalizeID(json.Number("8"))
			So(err, ShouldBeNil)
			So(id, ShouldEqual, int64(8))
			_, err = model.NormalizeID(7.5)
			So(err, ShouldNotBeNil)

			m, _ := ModelOf(&article{})
			id, err = m.NormalizeID(12)
			So(err, ShouldBeNil)
			So(id, ShouldEqual, "12")
			id, err = m.NormalizeID([]byte("a1"))
			So(err, ShouldBeNil)
			So(id, ShouldEqual, "a1")
		})

		Convey("EncodeJSON 不修改原行", func() {
			row := Row{"tags": []string{"a"}, "meta": nil, "name": "x"}
			encoded, err := model.EncodeJSON(row)
			So(err, ShouldBeNil)
			So(encoded["tags"], ShouldEqual, `["a"]`)
			So(encoded["meta"], ShouldBeNil)
			So(encoded["name"], ShouldEqual, "x")
			So(row["tags"], ShouldResemble, []string{"a"})
		})
	})
}

func TestToInt64(t *testing.T) {
	Convey("ToInt64", t, func() {
		for _, v := range []any{int8(3), int16(3), int32(3), uint(3), uint32(3), uint64(3), float32(3), 3.0, "3", []byte("3"), json.Number("3")} {
			n, ok := ToInt64(v)
			So(ok, ShouldBeTrue)
			So(n, ShouldEqual, int64(3))
		}
		for _, v := range []any{uint64(math.MaxUint64), 1.5, "x", true, nil} {
			_, ok := ToInt64(v)
			So(ok, ShouldBeFalse)
		}
	})
}

func TestUniqueConstraintError(t *testing.T) {
	Convey("UniqueConstraintError", t, func() {
		err := &UniqueConstraintError{Table: "users", Column: "email", Value: "a@x.io"}
		So(err.Error(), ShouldContainSubstring, "users.email")
		So(IsUniqueConstraint(err), ShouldBeTrue)
		So(IsUniqueConstraint(ErrRowNotFound), ShouldBeFalse)
		So((&UniqueConstraintError{Table: "users"}).Error(), ShouldEqual, "unique constraint violated on table users")

		opts := NewFindOptions(WithLimit(3), WithOffset(1), WithOrderBy("age", true))
		So(*opts, ShouldResemble, FindOptions{Limit: 3, Offset: 1, OrderBy: "age", OrderDesc: true})
		So(Row{"a": 1}.Clone(), ShouldResemble, Row{"a": 1})
	})
}
