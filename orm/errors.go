package orm

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrIdentityUnset 操作需要主键，但对象的主键为零值
	ErrIdentityUnset = errors.New("object identity is unset")
	// ErrNoRowsUpdated ForceUpdate 没有命中任何行
	ErrNoRowsUpdated = errors.New("no rows updated")
	// ErrConflictingSaveFlags ForceInsert 和 ForceUpdate 不能同时使用
	ErrConflictingSaveFlags = errors.New("force insert and force update cannot be combined")
)

// StepResult 工作流中一个步骤的执行结果
type StepResult struct {
	Name  string
	Alias string
	Err   error
}

// PartialError 工作流中途失败
// Completed 中的步骤已经写入各自的库，不会被回滚
type PartialError struct {
	Completed []StepResult
	Failed    StepResult
	Err       error
}

func (e *PartialError) Error() string {
	done := make([]string, 0, len(e.Completed))
	for _, s := range e.Completed {
		done = append(done, fmt.Sprintf("%s@%s", s.Name, s.Alias))
	}
	return fmt.Sprintf("workflow step %q on alias %q failed after [%s]: %v",
		e.Failed.Name, e.Failed.Alias, strings.Join(done, ", "), e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}
