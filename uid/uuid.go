package uid

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// UUIDGenerator 字符串 ID 生成器
type UUIDGenerator struct {
	version     string
	withHyphens bool
}

// NewUUIDGenerator version 支持 v1 v4 v6 v7，默认 v7，按时间有序便于作为主键
func NewUUIDGenerator(version string, withHyphens bool) *UUIDGenerator {
	if version == "" {
		version = "v7"
	}
	return &UUIDGenerator{
		version:     version,
		withHyphens: withHyphens,
	}
}

func (g *UUIDGenerator) Generate() string {
	var u uuid.UUID
	switch g.version {
	case "v1":
		u = uuid.Must(uuid.NewUUID())
	case "v4":
		u = uuid.New()
	case "v6":
		u = uuid.Must(uuid.NewV6())
	default:
		u = uuid.Must(uuid.NewV7())
	}

	if g.withHyphens {
		return u.String()
	}
	return hex.EncodeToString(u[:])
}
