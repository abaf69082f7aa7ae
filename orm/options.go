package orm

import (
	"time"

	"github.com/hatlonely/multidb/alias"
	"github.com/hatlonely/multidb/cfg"
	"github.com/hatlonely/multidb/log"
	"github.com/hatlonely/multidb/rdb/database"
	"github.com/pkg/errors"
)

// EnvPrefix 环境变量前缀，如 MULTIDB_STRICT、MULTIDB_LOG_LEVEL
const EnvPrefix = "MULTIDB_"

// Options 配置文件的顶层结构
//
//	databases:
//	  default:
//	    backend: sqlite3
//	    options:
//	      dsn: data/app.db
//	  analytics:
//	    backend: postgres
//	    options:
//	      host: 10.0.0.3
//	      database: analytics
//	strict: false
type Options struct {
	Databases map[string]*alias.Descriptor `cfg:"databases" validate:"required,dive"`

	// Strict 对象从别的别名读取或保存过时，保存按 ForceInsert 执行，主键冲突时报错而不是覆盖
	Strict bool `cfg:"strict" env:"STRICT"`

	// DisableMigrate 不在第一次使用时自动建表
	DisableMigrate bool `cfg:"disableMigrate"`

	ConnectTimeout time.Duration `cfg:"connectTimeout" def:"30s"`

	Log     *log.Options                `cfg:"log"`
	Observe *database.ObservableOptions `cfg:"observe"`
}

// Load 读取配置文件，环境变量覆盖文件中的 strict 和日志配置
func Load(filename string) (*Options, error) {
	options := &Options{}
	if err := cfg.Load(filename, options); err != nil {
		return nil, err
	}
	if options.Log == nil {
		options.Log = &log.Options{}
		if err := cfg.SetDefaults(options.Log); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(options, EnvPrefix); err != nil {
		return nil, err
	}
	if err := cfg.Validate(options); err != nil {
		return nil, errors.WithMessage(err, "invalid options")
	}
	if _, ok := options.Databases[alias.DefaultAlias]; !ok {
		return nil, errors.WithMessagef(alias.ErrMissingDefault, "config file %s", filename)
	}
	return options, nil
}

// Open 按配置文件创建 DB
func Open(filename string) (*DB, error) {
	options, err := Load(filename)
	if err != nil {
		return nil, err
	}
	return NewDBWithOptions(options)
}
