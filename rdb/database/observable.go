package database

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hatlonely/multidb/cfg"
	"github.com/hatlonely/multidb/log"
	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/query"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ObservableOptions struct {
	// EnableMetrics 是否启用指标收集
	EnableMetrics bool `cfg:"enableMetrics" def:"true"`

	// EnableLogging 是否启用日志记录
	EnableLogging bool `cfg:"enableLogging" def:"true"`

	// EnableTracing 是否启用分布式追踪
	EnableTracing bool `cfg:"enableTracing" def:"false"`

	// Name 组件名称标识，用于所有观测维度
	// - Metrics: 作为指标名前缀
	// - Logging: 作为 component 字段值
	// - Tracing: 作为 span 的 component 属性
	Name string `cfg:"name" def:"multidb" validate:"required,metricname"`
}

var metricNameRegexp = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

func init() {
	// 名称作为 prometheus 指标前缀
	if err := cfg.RegisterValidation("metricname", func(fl validator.FieldLevel) bool {
		return metricNameRegexp.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
}

// ObservableMetrics 封装 prometheus 指标
type ObservableMetrics struct {
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	activeOperations  *prometheus.GaugeVec
}

var (
	metricsMu sync.Mutex
	metrics   = map[string]*ObservableMetrics{}
)

// NewObservableMetrics 创建指标收集器，同名指标只注册一次
func NewObservableMetrics(name string) (*ObservableMetrics, error) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if m, ok := metrics[name]; ok {
		return m, nil
	}

	m := &ObservableMetrics{
		operationCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"alias", "backend", "operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name + "_operation_duration_seconds",
				Help:    "Duration of database operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"alias", "backend", "operation"},
		),
		activeOperations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: name + "_active_operations",
				Help: "Number of active database operations",
			},
			[]string{"alias", "backend", "operation"},
		),
	}

	var err error
	if m.operationCounter, err = register(m.operationCounter); err != nil {
		return nil, err
	}
	if m.operationDuration, err = register(m.operationDuration); err != nil {
		return nil, err
	}
	if m.activeOperations, err = register(m.activeOperations); err != nil {
		return nil, err
	}

	metrics[name] = m
	return m, nil
}

// register 注册到默认 prometheus registry，已注册时复用已有的指标
func register[C prometheus.Collector](c C) (C, error) {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "failed to register metrics")
	}
	return c, nil
}

// Observable 装饰器，为任何 Conn 添加指标、日志和追踪
type Observable struct {
	conn    rdb.Conn
	alias   string
	backend string

	logger        log.Logger
	metrics       *ObservableMetrics
	tracer        trace.Tracer
	name          string
	enableMetrics bool
	enableLogging bool
	enableTracing bool
}

func NewObservableWithOptions(conn rdb.Conn, alias string, options *ObservableOptions, logger log.Logger) (*Observable, error) {
	if conn == nil {
		return nil, errors.New("conn is nil")
	}
	if options == nil {
		return nil, errors.New("options is nil")
	}
	if err := cfg.Validate(options); err != nil {
		return nil, errors.WithMessage(err, "invalid observable options")
	}

	obs := &Observable{
		conn:          conn,
		alias:         alias,
		backend:       conn.Kind(),
		name:          options.Name,
		enableMetrics: options.EnableMetrics,
		enableLogging: options.EnableLogging,
		enableTracing: options.EnableTracing,
	}

	if options.EnableLogging {
		if logger == nil {
			logger = log.Default()
		}
		obs.logger = logger.WithGroup("observable")
	}

	if options.EnableMetrics {
		m, err := NewObservableMetrics(options.Name)
		if err != nil {
			return nil, err
		}
		obs.metrics = m
	}

	if options.EnableTracing {
		obs.tracer = otel.Tracer(fmt.Sprintf("multidb.%s", options.Name))
	}

	return obs, nil
}

// Unwrap 返回被包装的连接
func (obs *Observable) Unwrap() rdb.Conn {
	return obs.conn
}

// observe 统一的操作观测逻辑
func (obs *Observable) observe(ctx context.Context, operation string, table string, fn func(context.Context) error) error {
	start := time.Now()

	var span trace.Span
	if obs.enableTracing && obs.tracer != nil {
		ctx, span = obs.tracer.Start(ctx, fmt.Sprintf("multidb.%s", operation),
			trace.WithAttributes(
				attribute.String("component", obs.name),
				attribute.String("alias", obs.alias),
				attribute.String("backend", obs.backend),
				attribute.String("operation", operation),
				attribute.String("table", table),
			),
		)
		defer span.End()
	}

	if obs.enableMetrics && obs.metrics != nil {
		obs.metrics.activeOperations.WithLabelValues(obs.alias, obs.backend, operation).Inc()
		defer obs.metrics.activeOperations.WithLabelValues(obs.alias, obs.backend, operation).Dec()
	}

	err := fn(ctx)
	duration := time.Since(start)

	if span != nil {
		span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	if obs.enableMetrics && obs.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		obs.metrics.operationCounter.WithLabelValues(obs.alias, obs.backend, operation, status).Inc()
		obs.metrics.operationDuration.WithLabelValues(obs.alias, obs.backend, operation).Observe(duration.Seconds())
	}

	if obs.enableLogging && obs.logger != nil {
		if err != nil {
			obs.logger.ErrorContext(ctx, "database operation failed",
				"component", obs.name,
				"alias", obs.alias,
				"operation", operation,
				"table", table,
				"duration_ms", duration.Milliseconds(),
				"error", err.Error(),
			)
		} else {
			obs.logger.DebugContext(ctx, "database operation completed",
				"component", obs.name,
				"alias", obs.alias,
				"operation", operation,
				"table", table,
				"duration_ms", duration.Milliseconds(),
			)
		}
	}

	return err
}

func (obs *Observable) Kind() string {
	return obs.backend
}

func (obs *Observable) Migrate(ctx context.Context, model *rdb.TableModel) error {
	return obs.observe(ctx, "Migrate", model.Table, func(ctx context.Context) error {
		return obs.conn.Migrate(ctx, model)
	})
}

func (obs *Observable) Insert(ctx context.Context, model *rdb.TableModel, row rdb.Row) (any, error) {
	var id any
	err := obs.observe(ctx, "Insert", model.Table, func(ctx context.Context) error {
		var err error
		id, err = obs.conn.Insert(ctx, model, row)
		return err
	})
	return id, err
}

func (obs *Observable) Update(ctx context.Context, model *rdb.TableModel, id any, row rdb.Row) (int64, error) {
	var n int64
	err := obs.observe(ctx, "Update", model.Table, func(ctx context.Context) error {
		var err error
		n, err = obs.conn.Update(ctx, model, id, row)
		return err
	})
	return n, err
}

func (obs *Observable) Delete(ctx context.Context, model *rdb.TableModel, id any) (int64, error) {
	var n int64
	err := obs.observe(ctx, "Delete", model.Table, func(ctx context.Context) error {
		var err error
		n, err = obs.conn.Delete(ctx, model, id)
		return err
	})
	return n, err
}

func (obs *Observable) Get(ctx context.Context, model *rdb.TableModel, id any) (rdb.Row, error) {
	var row rdb.Row
	err := obs.observe(ctx, "Get", model.Table, func(ctx context.Context) error {
		var err error
		row, err = obs.conn.Get(ctx, model, id)
		if errors.Is(err, rdb.ErrRowNotFound) {
			// 未找到不计为失败
			return nil
		}
		return err
	})
	if err == nil && row == nil {
		return nil, rdb.ErrRowNotFound
	}
	return row, err
}

func (obs *Observable) Find(ctx context.Context, model *rdb.TableModel, q query.Query, opts ...rdb.FindOption) ([]rdb.Row, error) {
	var rows []rdb.Row
	err := obs.observe(ctx, "Find", model.Table, func(ctx context.Context) error {
		var err error
		rows, err = obs.conn.Find(ctx, model, q, opts...)
		return err
	})
	return rows, err
}

func (obs *Observable) Count(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	var n int64
	err := obs.observe(ctx, "Count", model.Table, func(ctx context.Context) error {
		var err error
		n, err = obs.conn.Count(ctx, model, q)
		return err
	})
	return n, err
}

func (obs *Observable) DeleteWhere(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	var n int64
	err := obs.observe(ctx, "DeleteWhere", model.Table, func(ctx context.Context) error {
		var err error
		n, err = obs.conn.DeleteWhere(ctx, model, q)
		return err
	})
	return n, err
}

func (obs *Observable) WithTx(ctx context.Context, fn func(ctx context.Context, tx rdb.Conn) error) error {
	return obs.observe(ctx, "WithTx", "", func(ctx context.Context) error {
		return obs.conn.WithTx(ctx, func(ctx context.Context, tx rdb.Conn) error {
			child := *obs
			child.conn = tx
			return fn(ctx, &child)
		})
	})
}

func (obs *Observable) Close() error {
	return obs.conn.Close()
}
