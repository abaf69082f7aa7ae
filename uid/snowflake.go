package uid

import (
	"net"
	"sync/atomic"
	"time"
)

// SnowflakeGenerator Snowflake 算法生成器
// 64 位结构：1 位符号位(0) + 41 位时间戳 + 10 位机器 ID + 12 位序列号
type SnowflakeGenerator struct {
	state     int64 // 高 52 位时间戳 + 低 12 位序列号
	machineID int64
	epoch     int64 // 起始纪元（毫秒）
}

const (
	sequenceBits  = 12
	machineIDBits = 10

	maxSequence  = (1 << sequenceBits) - 1
	maxMachineID = (1 << machineIDBits) - 1

	machineIDShift = sequenceBits
	timestampShift = sequenceBits + machineIDBits
)

var snowflakeEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// NewSnowflakeGenerator machineID 为 nil 时从本机 IP 推导
func NewSnowflakeGenerator(machineID *int64) *SnowflakeGenerator {
	var id int64
	if machineID != nil {
		id = *machineID
	} else {
		id = machineIDFromIP()
	}

	return &SnowflakeGenerator{
		state:     (time.Now().UnixMilli() - snowflakeEpoch) << sequenceBits,
		machineID: id & maxMachineID,
		epoch:     snowflakeEpoch,
	}
}

// machineIDFromIP 取第一个非回环 IPv4 地址的低两个字节
func machineIDFromIP() int64 {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return 0
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipv4 := ipnet.IP.To4(); ipv4 != nil {
				return int64(ipv4[2])<<8 | int64(ipv4[3])
			}
		}
	}
	return 0
}

// Generate 生成单调递增的 ID，时钟回拨时沿用上一次的时间戳
func (g *SnowflakeGenerator) Generate() int64 {
	for {
		oldState := atomic.LoadInt64(&g.state)
		oldTimestamp := oldState >> sequenceBits
		oldSequence := oldState & maxSequence

		timestamp := time.Now().UnixMilli() - g.epoch
		sequence := int64(0)

		if timestamp <= oldTimestamp {
			timestamp = oldTimestamp
			sequence = (oldSequence + 1) & maxSequence
			if sequence == 0 {
				// 序列号用完，等到下一毫秒
				for timestamp <= oldTimestamp {
					time.Sleep(100 * time.Microsecond)
					timestamp = time.Now().UnixMilli() - g.epoch
				}
			}
		}

		newState := timestamp<<sequenceBits | sequence
		if atomic.CompareAndSwapInt64(&g.state, oldState, newState) {
			return timestamp<<timestampShift | g.machineID<<machineIDShift | sequence
		}
	}
}
