package source

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"team-feed/server/internal/model"
)

const (
	postsCollection       = "posts"
	legacyImageCollection = "post_images"
)

// MongoConfig 是 MongoDB 连接配置。
type MongoConfig struct {
	URI      string
	Database string
	// MaxPoolSize 为 0 时使用驱动默认值。
	MaxPoolSize uint64
}

// Mongo 是基于 MongoDB 的远端动态源。
//
// 集合约定：
// - posts：一条文档一个帖子，按 group_id + created_at 倒序建索引。
// - post_images：旧版图片子资源，一张图片一条文档。
type Mongo struct {
	client *mongo.Client
	posts  *mongo.Collection
	images *mongo.Collection
}

type postDoc struct {
	ID              string     `bson:"_id"`
	GroupID         string     `bson:"group_id"`
	AuthorID        string     `bson:"author_id"`
	Message         string     `bson:"message"`
	Tags            []string   `bson:"tags,omitempty"`
	Images          []string   `bson:"images,omitempty"`
	ImageURLs       []string   `bson:"image_urls,omitempty"`
	LegacyImages    bool       `bson:"legacy_images,omitempty"`
	Status          string     `bson:"status"`
	IsEdited        bool       `bson:"is_edited"`
	Memo            string     `bson:"memo,omitempty"`
	CreatedAt       *time.Time `bson:"created_at"`
	ClientCreatedAt time.Time  `bson:"client_created_at"`
}

type legacyImageDoc struct {
	PostID   string `bson:"post_id"`
	URL      string `bson:"url"`
	Position int    `bson:"position"`
}

// NewMongo 连接 MongoDB、确认可用并确保索引存在。
func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	m := &Mongo{
		client: client,
		posts:  db.Collection(postsCollection),
		images: db.Collection(legacyImageCollection),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.posts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "group_id", Value: 1},
			{Key: "created_at", Value: -1},
			{Key: "client_created_at", Value: -1},
			{Key: "_id", Value: -1},
		}},
	})
	if err != nil {
		return fmt.Errorf("create posts indexes: %w", err)
	}
	_, err = m.images.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "post_id", Value: 1}, {Key: "position", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create post_images indexes: %w", err)
	}
	return nil
}

// Close 断开连接。
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

var feedSort = bson.D{
	{Key: "created_at", Value: -1},
	{Key: "client_created_at", Value: -1},
	{Key: "_id", Value: -1},
}

// Query 执行 group_id 过滤 + created_at 倒序 + startAfter 游标的分页查询。
func (m *Mongo) Query(ctx context.Context, q Query) ([]Record, error) {
	and := bson.A{bson.M{"group_id": q.GroupID}}
	if q.After != "" {
		pos, err := decodeCursor(q.After)
		if err != nil {
			return nil, err
		}
		and = append(and, afterFilter(pos))
	}
	if q.Search != "" {
		pattern := bson.Regex{Pattern: regexp.QuoteMeta(q.Search), Options: "i"}
		and = append(and, bson.M{"$or": bson.A{
			bson.M{"message": pattern},
			bson.M{"tags": pattern},
		}})
	}

	opts := options.Find().SetSort(feedSort)
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := m.posts.Find(ctx, bson.M{"$and": and}, opts)
	if err != nil {
		return nil, fmt.Errorf("find posts: %w", err)
	}
	defer cur.Close(ctx)

	out := make([]Record, 0)
	for cur.Next(ctx) {
		var doc postDoc
		if err := cur.Decode(&doc); err != nil {
			// 单条解码失败不影响整页，交给 Fetcher 跳过并记录。
			id, _ := cur.Current.Lookup("_id").StringValueOK()
			out = append(out, Record{ID: id, DecodeErr: err})
			continue
		}
		out = append(out, doc.record())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return out, nil
}

// afterFilter 是 startAfter 的 keyset 条件。
// 约定：client_created_at 缺失（旧文档）与零值视为同一位置，排在任何非零时间之后。
func afterFilter(pos position) bson.M {
	or := bson.A{bson.M{"created_at": bson.M{"$lt": pos.CreatedAt}}}
	if pos.ClientCreatedAt.IsZero() {
		or = append(or, bson.M{
			"created_at":        pos.CreatedAt,
			"client_created_at": bson.M{"$in": bson.A{nil, time.Time{}}},
			"_id":               bson.M{"$lt": pos.ID},
		})
		return bson.M{"$or": or}
	}
	or = append(or,
		bson.M{"created_at": pos.CreatedAt, "client_created_at": bson.M{"$lt": pos.ClientCreatedAt}},
		bson.M{"created_at": pos.CreatedAt, "client_created_at": nil},
		bson.M{"created_at": pos.CreatedAt, "client_created_at": pos.ClientCreatedAt, "_id": bson.M{"$lt": pos.ID}},
	)
	return bson.M{"$or": or}
}

// Newest 只取最新一条（limit 1 的窥视查询）。
func (m *Mongo) Newest(ctx context.Context, groupID string) (*Record, error) {
	var doc postDoc
	err := m.posts.FindOne(ctx, bson.M{"group_id": groupID}, options.FindOne().SetSort(feedSort)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find newest post: %w", err)
	}
	rec := doc.record()
	return &rec, nil
}

// Get 按 ID 读取。
func (m *Mongo) Get(ctx context.Context, id string) (*Record, error) {
	var doc postDoc
	if err := m.posts.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get post: %w", err)
	}
	rec := doc.record()
	return &rec, nil
}

// LegacyImages 读取旧版图片子资源（按 position 排序）。
func (m *Mongo) LegacyImages(ctx context.Context, postID string) ([]string, error) {
	cur, err := m.images.Find(ctx, bson.M{"post_id": postID},
		options.Find().SetSort(bson.D{{Key: "position", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find legacy images: %w", err)
	}
	var docs []legacyImageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode legacy images: %w", err)
	}
	urls := make([]string, 0, len(docs))
	for _, d := range docs {
		urls = append(urls, d.URL)
	}
	return urls, nil
}

// Insert 写入新帖子。created_at 截断到毫秒，与 BSON 日期精度一致。
func (m *Mongo) Insert(ctx context.Context, rec Record) (Record, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec.ID = uuid.NewString()
	rec.CreatedAt = &now
	if rec.ClientCreatedAt.IsZero() {
		rec.ClientCreatedAt = now
	}
	rec.ClientCreatedAt = rec.ClientCreatedAt.UTC().Truncate(time.Millisecond)
	if rec.Status == "" {
		rec.Status = string(model.PostStatusOpen)
	}
	if _, err := m.posts.InsertOne(ctx, docFromRecord(rec)); err != nil {
		return Record{}, fmt.Errorf("insert post: %w", err)
	}
	return rec, nil
}

// Update 读取-修改-替换，保证 is_edited 与字段变更一致。
func (m *Mongo) Update(ctx context.Context, id string, patch model.PostPatch) (Record, error) {
	current, err := m.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	rec := *current
	applyPatch(&rec, patch)

	res, err := m.posts.ReplaceOne(ctx, bson.M{"_id": id}, docFromRecord(rec))
	if err != nil {
		return Record{}, fmt.Errorf("update post: %w", err)
	}
	if res.MatchedCount == 0 {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Delete 删除帖子及其旧版图片。
func (m *Mongo) Delete(ctx context.Context, id string) (Record, error) {
	var doc postDoc
	if err := m.posts.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("delete post: %w", err)
	}
	if _, err := m.images.DeleteMany(ctx, bson.M{"post_id": id}); err != nil {
		return Record{}, fmt.Errorf("delete legacy images: %w", err)
	}
	return doc.record(), nil
}

func (d postDoc) record() Record {
	return Record{
		ID:              d.ID,
		GroupID:         d.GroupID,
		AuthorID:        d.AuthorID,
		Message:         d.Message,
		Tags:            d.Tags,
		Images:          d.Images,
		ImageURLs:       d.ImageURLs,
		LegacyImages:    d.LegacyImages,
		Status:          d.Status,
		IsEdited:        d.IsEdited,
		Memo:            d.Memo,
		CreatedAt:       d.CreatedAt,
		ClientCreatedAt: d.ClientCreatedAt,
	}
}

func docFromRecord(rec Record) postDoc {
	return postDoc{
		ID:              rec.ID,
		GroupID:         rec.GroupID,
		AuthorID:        rec.AuthorID,
		Message:         rec.Message,
		Tags:            rec.Tags,
		Images:          rec.Images,
		ImageURLs:       rec.ImageURLs,
		LegacyImages:    rec.LegacyImages,
		Status:          rec.Status,
		IsEdited:        rec.IsEdited,
		Memo:            rec.Memo,
		CreatedAt:       rec.CreatedAt,
		ClientCreatedAt: rec.ClientCreatedAt,
	}
}
