package orm

import (
	"context"

	"github.com/hatlonely/multidb/log"
	"github.com/pkg/errors"
)

// StepFunc 工作流步骤，alias 为步骤绑定的别名
type StepFunc func(ctx context.Context, alias string) error

type Step struct {
	Name  string
	Alias string
	Run   StepFunc
}

// Workflow 按顺序在多个别名上执行写入
// 没有跨库事务，某一步失败时之前的步骤不会回滚，返回的 *PartialError 说明哪些步骤已经完成
type Workflow struct {
	steps  []Step
	logger log.Logger
}

func NewWorkflow(logger log.Logger) *Workflow {
	if logger == nil {
		logger = log.Default()
	}
	return &Workflow{logger: logger.WithGroup("workflow")}
}

// Workflow 使用 DB 日志器的工作流
func (db *DB) Workflow() *Workflow {
	return &Workflow{logger: db.logger.WithGroup("workflow")}
}

// Step 追加一个步骤，alias 为 Unbound 时使用 default
func (w *Workflow) Step(name, alias string, run StepFunc) *Workflow {
	w.steps = append(w.steps, Step{Name: name, Alias: resolveAlias(alias), Run: run})
	return w
}

func (w *Workflow) Steps() []Step {
	return append([]Step(nil), w.steps...)
}

// Run 依次执行步骤，第一个失败的步骤之后的步骤不再执行
func (w *Workflow) Run(ctx context.Context) ([]StepResult, error) {
	completed := make([]StepResult, 0, len(w.steps))
	for _, step := range w.steps {
		err := ctx.Err()
		if err == nil && step.Run == nil {
			err = errors.Errorf("step %q has no run function", step.Name)
		}
		if err == nil {
			err = step.Run(ctx, step.Alias)
		}
		result := StepResult{Name: step.Name, Alias: step.Alias, Err: err}
		if err != nil {
			w.logger.ErrorContext(ctx, "workflow step failed",
				"step", step.Name, "alias", step.Alias, "completed", len(completed), "error", err)
			return completed, &PartialError{Completed: completed, Failed: result, Err: err}
		}
		w.logger.DebugContext(ctx, "workflow step completed", "step", step.Name, "alias", step.Alias)
		completed = append(completed, result)
	}
	return completed, nil
}
