package idgen

import (
	"errors"
	"sync"
	"time"

	"github.com/jxskiss/base62"
)

const (
	nodeBits     = 10
	sequenceBits = 12
	maxNode      = 1<<nodeBits - 1
	maxSequence  = 1<<sequenceBits - 1
)

// epoch keeps generated ids short.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// IDGenerator 生成单调递增、可在客户端订单号中使用的短ID
type IDGenerator struct {
	mu       sync.Mutex
	node     uint64
	lastMs   int64
	sequence uint64
	now      func() time.Time
}

// NewIDGenerator 创建生成器，node 用于区分不同进程
func NewIDGenerator(node int) (*IDGenerator, error) {
	if node < 0 || node > maxNode {
		return nil, errors.New("idgen: node out of range")
	}
	return &IDGenerator{node: uint64(node), now: time.Now}, nil
}

// Generate 返回base62编码的ID
func (g *IDGenerator) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().Sub(epoch).Milliseconds()
	if ms < g.lastMs {
		// 时钟回拨时沿用上一毫秒，保证单调
		ms = g.lastMs
	}
	if ms == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			ms++
		}
	} else {
		g.sequence = 0
	}
	if ms < 0 {
		return "", errors.New("idgen: clock before epoch")
	}
	g.lastMs = ms

	id := uint64(ms)<<(nodeBits+sequenceBits) | g.node<<sequenceBits | g.sequence
	return string(base62.FormatUint(id)), nil
}

// ClientOrderID 带网格前缀的客户端订单号
func (g *IDGenerator) ClientOrderID() (string, error) {
	id, err := g.Generate()
	if err != nil {
		return "", err
	}
	return "x-grid-" + id, nil
}
