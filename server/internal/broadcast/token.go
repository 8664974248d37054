package broadcast

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TokenSource 生成单调递增的持久标记值（ULID 字符串，字典序即时间序）。
type TokenSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
	lastMS  uint64
}

func NewTokenSource(now func() time.Time) *TokenSource {
	if now == nil {
		now = time.Now
	}
	return &TokenSource{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     now,
	}
}

// Next 返回严格大于之前所有返回值的 token。
// 时钟回拨时沿用上一次的毫秒数，同毫秒内由单调熵保证递增。
func (t *TokenSource) Next() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ms := ulid.Timestamp(t.now())
	if ms < t.lastMS {
		ms = t.lastMS
	}
	for {
		id, err := ulid.New(ms, t.entropy)
		if err == nil {
			t.lastMS = ms
			return id.String()
		}
		// 同毫秒熵溢出（或随机源读取失败）时推进到下一毫秒。
		if !errors.Is(err, ulid.ErrMonotonicOverflow) {
			t.entropy = ulid.Monotonic(rand.Reader, 0)
		}
		ms++
	}
}

// TokenTime 返回 token 内嵌的毫秒时间，无法解析时返回零值。
// 只用于粗略判断"变更发生在什么时候"，不参与比较。
func TokenTime(token string) time.Time {
	id, err := ulid.ParseStrict(token)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time())
}
