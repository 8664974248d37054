package source

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"team-feed/server/internal/model"
)

// position 是游标解码后的排序位置。
type position struct {
	CreatedAt       time.Time
	ClientCreatedAt time.Time
	ID              string
}

// CursorFor 以记录在全序中的位置生成续读游标。
func CursorFor(rec Record) model.Cursor {
	var created time.Time
	if rec.CreatedAt != nil {
		created = *rec.CreatedAt
	}
	raw := encodeTime(created) + "|" + encodeTime(rec.ClientCreatedAt) + "|" + rec.ID
	return model.Cursor(base64.RawURLEncoding.EncodeToString([]byte(raw)))
}

func decodeCursor(c model.Cursor) (position, error) {
	data, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return position{}, fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(data), "|", 3)
	if len(parts) != 3 {
		return position{}, fmt.Errorf("decode cursor: malformed %q", string(data))
	}
	created, err := decodeTime(parts[0])
	if err != nil {
		return position{}, fmt.Errorf("decode cursor created_at: %w", err)
	}
	client, err := decodeTime(parts[1])
	if err != nil {
		return position{}, fmt.Errorf("decode cursor client_created_at: %w", err)
	}
	return position{CreatedAt: created, ClientCreatedAt: client, ID: parts[2]}, nil
}

// zeroTime 是零值时间在游标里的占位。零值的 UnixNano 超出 int64 范围，不能直接编码。
const zeroTime = "-"

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return zeroTime
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decodeTime(s string) (time.Time, error) {
	if s == zeroTime {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

// after 判断记录是否严格排在游标位置之后（更旧）。
func (p position) after(rec Record) bool {
	return model.Newer(p.post(), sortKey(rec))
}

func (p position) post() model.Post {
	return model.Post{ID: p.ID, CreatedAt: p.CreatedAt, ClientCreatedAt: p.ClientCreatedAt}
}

// sortKey 只保留参与排序的字段。
func sortKey(rec Record) model.Post {
	p := model.Post{ID: rec.ID, ClientCreatedAt: rec.ClientCreatedAt}
	if rec.CreatedAt != nil {
		p.CreatedAt = *rec.CreatedAt
	}
	return p
}

// matchSearch 做不区分大小写的正文/标签子串匹配。
func matchSearch(rec Record, q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(rec.Message), q) {
		return true
	}
	for _, tag := range rec.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}
