package orm

// Model 嵌入到数据对象中，记录对象的来源别名
//
//	type Person struct {
//		orm.Model
//		ID   int64  `rdb:"id,primary"`
//		Name string `rdb:"name"`
//	}
type Model struct {
	state State
}

// State 对象的持久化状态
type State struct {
	alias string
}

// Alias 最近一次读取或保存该对象所用的别名，从未读取或保存过时为空
func (s State) Alias() string {
	return s.alias
}

func (m *Model) State() State {
	return m.state
}

func (m *Model) setOrigin(alias string) {
	m.state.alias = alias
}

type tracked interface {
	State() State
	setOrigin(alias string)
}

// 没有嵌入 Model 的对象不记录来源别名
func originOf(obj any) string {
	if t, ok := obj.(tracked); ok {
		return t.State().Alias()
	}
	return ""
}

func setOrigin(obj any, alias string) {
	if t, ok := obj.(tracked); ok {
		t.setOrigin(alias)
	}
}
