package uid

import (
	"github.com/pkg/errors"
)

// IntGenerator 生成 64 位整数 ID
type IntGenerator interface {
	Generate() int64
}

// StrGenerator 生成字符串 ID
type StrGenerator interface {
	Generate() string
}

// Options 主键生成配置
type Options struct {
	// MachineID snowflake 机器 ID，为空时从本机 IP 推导
	MachineID *int64 `cfg:"machineID" validate:"omitempty,min=0,max=1023"`

	// UUIDVersion 字符串主键使用的 uuid 版本
	UUIDVersion string `cfg:"uuidVersion" def:"v7" validate:"omitempty,oneof=v1 v4 v6 v7"`

	// WithHyphens 字符串主键是否包含连字符
	WithHyphens bool `cfg:"withHyphens"`
}

// Identity 为没有自增能力的后端生成主键
// 整数主键用 snowflake，字符串主键用 uuid
type Identity struct {
	ints IntGenerator
	strs StrGenerator
}

func NewIdentityWithOptions(options *Options) (*Identity, error) {
	if options == nil {
		options = &Options{}
	}
	if options.MachineID != nil && (*options.MachineID < 0 || *options.MachineID > maxMachineID) {
		return nil, errors.Errorf("machine id %d out of range [0, %d]", *options.MachineID, maxMachineID)
	}
	return &Identity{
		ints: NewSnowflakeGenerator(options.MachineID),
		strs: NewUUIDGenerator(options.UUIDVersion, options.WithHyphens),
	}, nil
}

// NewIdentity 使用自定义生成器
func NewIdentity(ints IntGenerator, strs StrGenerator) *Identity {
	return &Identity{ints: ints, strs: strs}
}

func (g *Identity) Int64() int64 {
	return g.ints.Generate()
}

func (g *Identity) String() string {
	return g.strs.Generate()
}

// Next 按主键是否为整数生成下一个 ID
func (g *Identity) Next(integer bool) any {
	if integer {
		return g.Int64()
	}
	return g.String()
}
