package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"team-feed/server/internal/source"
)

// SeedPost 是种子文件里的一条帖子。
// 兼容性：images / image_urls 两种字段都接受，与远端历史数据一致。
type SeedPost struct {
	ID              string    `json:"id"`
	GroupID         string    `json:"group_id"`
	AuthorID        string    `json:"author_id"`
	Message         string    `json:"message"`
	Tags            []string  `json:"tags,omitempty"`
	Images          []string  `json:"images,omitempty"`
	ImageURLs       []string  `json:"image_urls,omitempty"`
	Status          string    `json:"status,omitempty"`
	Memo            string    `json:"memo,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ClientCreatedAt time.Time `json:"client_created_at,omitempty"`
}

// LoadSeedPosts 从指定路径加载种子帖子，供内存源启动时导入。
func LoadSeedPosts(path string) ([]source.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed posts: %w", err)
	}

	var posts []SeedPost
	if err := json.Unmarshal(data, &posts); err != nil {
		return nil, fmt.Errorf("parse seed posts: %w", err)
	}

	records := make([]source.Record, 0, len(posts))
	for i, p := range posts {
		if p.ID == "" || p.GroupID == "" || p.CreatedAt.IsZero() {
			return nil, fmt.Errorf("seed post #%d: id, group_id and created_at are required", i)
		}
		created := p.CreatedAt.UTC()
		records = append(records, source.Record{
			ID:              p.ID,
			GroupID:         p.GroupID,
			AuthorID:        p.AuthorID,
			Message:         p.Message,
			Tags:            p.Tags,
			Images:          p.Images,
			ImageURLs:       p.ImageURLs,
			Status:          p.Status,
			Memo:            p.Memo,
			CreatedAt:       &created,
			ClientCreatedAt: p.ClientCreatedAt,
		})
	}
	return records, nil
}
