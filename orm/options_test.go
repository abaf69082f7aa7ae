package orm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hatlonely/multidb/alias"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func writeConfig(t *testing.T, dir, content string) string {
	path := filepath.Join(dir, "multidb.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	Convey("Load", t, func() {
		dir := t.TempDir()

		Convey("读取配置并填充默认值", func() {
			path := writeConfig(t, dir, "databases:\n  default:\n    backend: memory\n  reports:\n    backend: sqlite3\n    options:\n      dsn: "+filepath.Join(dir, "reports.db")+"\nstrict: true\nlog:\n  level: warn\n")
			options, err := Load(path)
			So(err, ShouldBeNil)
			So(options.Strict, ShouldBeTrue)
			So(options.ConnectTimeout, ShouldEqual, 30*time.Second)
			So(options.Log.Level, ShouldEqual, "warn")
			So(options.Log.Format, ShouldEqual, "text")
			So(options.Databases["reports"].Backend, ShouldEqual, "sqlite3")
			So(options.Observe, ShouldBeNil)

			Convey("按配置打开", func() {
				db, err := Open(path)
				So(err, ShouldBeNil)
				defer db.Close()
				So(db.Strict(), ShouldBeTrue)
				So(db.Registry().Aliases(), ShouldResemble, []string{"default", "reports"})

				p := &person{Name: "alice"}
				res, err := db.Save(context.Background(), p, Using("reports"))
				So(err, ShouldBeNil)
				So(res.Action, ShouldEqual, ActionInserted)
			})
		})

		Convey("没有日志配置时使用默认值", func() {
			path := writeConfig(t, dir, "databases:\n  default:\n    backend: memory\n")
			options, err := Load(path)
			So(err, ShouldBeNil)
			So(options.Log, ShouldNotBeNil)
			So(options.Log.Level, ShouldEqual, "info")
		})

		Convey("缺少 default 别名", func() {
			path := writeConfig(t, dir, "databases:\n  main:\n    backend: memory\n")
			_, err := Load(path)
			So(errors.Is(err, alias.ErrMissingDefault), ShouldBeTrue)
		})

		Convey("别名没有后端类型", func() {
			path := writeConfig(t, dir, "databases:\n  default:\n    options:\n      name: x\n")
			_, err := Load(path)
			So(err, ShouldNotBeNil)
		})

		Convey("文件不存在", func() {
			_, err := Open(filepath.Join(dir, "missing.yaml"))
			So(err, ShouldNotBeNil)
		})
	})
}

func TestLoadEnv(t *testing.T) {
	Convey("环境变量覆盖配置文件", t, func() {
		dir := t.TempDir()
		path := writeConfig(t, dir, "databases:\n  default:\n    backend: memory\nstrict: true\nlog:\n  level: warn\n")

		t.Setenv("MULTIDB_STRICT", "false")
		t.Setenv("MULTIDB_LOG_LEVEL", "error")
		options, err := Load(path)
		So(err, ShouldBeNil)
		So(options.Strict, ShouldBeFalse)
		So(options.Log.Level, ShouldEqual, "error")

		t.Setenv("MULTIDB_LOG_LEVEL", "verbose")
		_, err = Load(path)
		So(err, ShouldNotBeNil)
	})
}

func TestNewDBWithOptions(t *testing.T) {
	Convey("NewDBWithOptions", t, func() {
		_, err := NewDBWithOptions(nil)
		So(err, ShouldNotBeNil)

		_, err = NewDBWithOptions(&Options{Databases: map[string]*alias.Descriptor{"main": {Backend: "memory"}}})
		So(errors.Is(err, alias.ErrMissingDefault), ShouldBeTrue)

		db, err := NewDBWithOptions(&Options{
			Databases:      map[string]*alias.Descriptor{"default": {Backend: "memory"}},
			DisableMigrate: true,
			ConnectTimeout: time.Second,
		})
		So(err, ShouldBeNil)
		defer db.Close()
		So(db.Strict(), ShouldBeFalse)

		// 内存后端写入时自动建表，关闭迁移不影响使用
		_, err = db.Save(context.Background(), &person{Name: "alice"})
		So(err, ShouldBeNil)
	})
}

func TestReload(t *testing.T) {
	Convey("Reload", t, func() {
		db, err := NewDBWithOptions(&Options{
			Databases: map[string]*alias.Descriptor{"default": {Backend: "memory"}},
		})
		So(err, ShouldBeNil)
		defer db.Close()

		Convey("注册新增的别名", func() {
			err := db.Reload(&Options{
				Databases: map[string]*alias.Descriptor{
					"default": {Backend: "memory"},
					"extra":   {Backend: "memory"},
				},
				Strict: true,
			})
			So(err, ShouldBeNil)
			So(db.Registry().Has("extra"), ShouldBeTrue)
			So(db.Strict(), ShouldBeTrue)

			_, err = db.Save(context.Background(), &person{Name: "alice"}, Using("extra"))
			So(err, ShouldBeNil)
		})

		Convey("已注册的别名不会被修改", func() {
			err := db.Reload(&Options{
				Databases: map[string]*alias.Descriptor{
					"default": {Backend: "sqlite3", Options: map[string]any{"dsn": ":memory:"}},
					"extra":   {Backend: "memory"},
				},
			})
			var exists *alias.AliasExistsError
			So(errors.As(err, &exists), ShouldBeTrue)
			So(exists.Alias, ShouldEqual, "default")

			d, err := db.Registry().Resolve("default")
			So(err, ShouldBeNil)
			So(d.Backend, ShouldEqual, "memory")
			So(db.Registry().Has("extra"), ShouldBeTrue)
		})

		Convey("参数错误", func() {
			So(db.Reload(nil), ShouldNotBeNil)
		})
	})
}

func TestWatch(t *testing.T) {
	Convey("Watch", t, func() {
		dir := t.TempDir()
		path := writeConfig(t, dir, "databases:\n  default:\n    backend: memory\n")
		db, err := Open(path)
		So(err, ShouldBeNil)
		defer db.Close()

		w, err := db.Watch(path)
		So(err, ShouldBeNil)
		defer w.Close()

		writeConfig(t, dir, "databases:\n  default:\n    backend: memory\n  late:\n    backend: memory\n")

		deadline := time.Now().Add(5 * time.Second)
		for !db.Registry().Has("late") && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
		So(db.Registry().Has("late"), ShouldBeTrue)
	})
}
