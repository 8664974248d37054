package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"team-feed/server/internal/metrics"
	"team-feed/server/internal/model"
	"team-feed/server/internal/source"
)

const (
	// UnboundedPageSize 是搜索模式的"无上限"页大小：一次取全量，不做游标循环。
	UnboundedPageSize = 10000
	// DefaultTimeout 是单次远端调用的截止时间。
	DefaultTimeout = 15 * time.Second
	// legacyConcurrency 限制旧版图片子资源的并发拉取数。
	legacyConcurrency = 4
	// newestScanLimit 是最新一条损坏时向后查找的条数。
	newestScanLimit = 20
)

// ErrTimeout 表示远端调用超过截止时间（会话可以据此进入可恢复的错误状态）。
var ErrTimeout = errors.New("feed fetch timed out")

// ErrMalformed 表示记录缺少必需字段。
var ErrMalformed = errors.New("malformed post record")

// Fetcher 包装远端动态源，负责分页、图片字段归一化与逐条容错。
type Fetcher struct {
	src     source.Source
	timeout time.Duration
	logger  *log.Logger
	metrics *metrics.Metrics

	// group 合并并发的相同分页请求（多个视图同时挂载同一小组）。
	group  singleflight.Group
	epochs EpochSource
}

// EpochSource 提供小组的缓存失效代数。
// 合并键带上代数后，失效之后发起的拉取不会并入失效之前的拉取。
type EpochSource interface {
	Epoch(groupID string) uint64
}

// Option 配置 Fetcher。
type Option func(*Fetcher)

func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

func WithEpochs(e EpochSource) Option {
	return func(f *Fetcher) { f.epochs = e }
}

func New(src source.Source, opts ...Option) *Fetcher {
	f := &Fetcher{
		src:     src,
		timeout: DefaultTimeout,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch 拉取一页：items ≤ pageSize。
// 多取一条做前瞻，HasMore 为 true 当且仅当远端还有更旧的记录。
func (f *Fetcher) Fetch(ctx context.Context, groupID string, pageSize int, cursor model.Cursor) (model.Page, error) {
	if pageSize <= 0 {
		return model.Page{}, fmt.Errorf("invalid page size %d", pageSize)
	}

	key := groupID + "|" + strconv.Itoa(pageSize) + "|" + string(cursor)
	if f.epochs != nil {
		key += "|" + strconv.FormatUint(f.epochs.Epoch(groupID), 10)
	}
	// 共享的拉取不继承某一个调用方的取消：先到的调用方断开不能连累并入的其他调用方。
	// 超时仍由 fetchPage 自己施加。
	shared := context.WithoutCancel(ctx)
	ch := f.group.DoChan(key, func() (interface{}, error) {
		return f.fetchPage(shared, groupID, pageSize, cursor)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return model.Page{}, f.wrap(ctx, "query page", ctx.Err())
	}
	if res.Err != nil {
		return model.Page{}, res.Err
	}
	page := res.Val.(model.Page)
	// 共享结果时复制切片，调用方可以安全修改。
	page.Items = append([]model.Post(nil), page.Items...)
	return page, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, groupID string, pageSize int, cursor model.Cursor) (model.Page, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	recs, err := f.src.Query(ctx, source.Query{GroupID: groupID, Limit: pageSize + 1, After: cursor})
	f.metrics.Fetch("page", err)
	if err != nil {
		return model.Page{}, f.wrap(ctx, "query page", err)
	}

	hasMore := len(recs) > pageSize
	if hasMore {
		recs = recs[:pageSize]
	}

	page := model.Page{HasMore: hasMore}
	if len(recs) > 0 {
		// 游标跟随原始记录位置：被跳过的损坏记录也算已消费。
		page.NextCursor = source.CursorFor(recs[len(recs)-1])
	}
	page.Items, err = f.normalizeAll(ctx, groupID, recs)
	if err != nil {
		return model.Page{}, err
	}
	return page, nil
}

// FetchAll 是搜索模式：以超大页一次性拉取所有匹配项，不做游标循环。
// 搜索必须覆盖全集而不是滑动窗口，因此接受一次较慢的查询。
func (f *Fetcher) FetchAll(ctx context.Context, groupID, filter string) ([]model.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	recs, err := f.src.Query(ctx, source.Query{GroupID: groupID, Limit: UnboundedPageSize, Search: filter})
	f.metrics.Fetch("search", err)
	if err != nil {
		return nil, f.wrap(ctx, "query search", err)
	}
	return f.normalizeAll(ctx, groupID, recs)
}

// Newest 只取小组最新一条，供新动态检测器使用。小组为空时返回 nil。
func (f *Fetcher) Newest(ctx context.Context, groupID string) (*model.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	rec, err := f.src.Newest(ctx, groupID)
	f.metrics.Fetch("newest", err)
	if err != nil {
		return nil, f.wrap(ctx, "peek newest", err)
	}
	if rec == nil {
		return nil, nil
	}
	post, err := f.normalize(ctx, *rec)
	if errors.Is(err, ErrMalformed) {
		f.logger.Printf("[Fetcher] ⚠️  newest post is malformed, scanning past it: group=%s id=%q", groupID, rec.ID)
		return f.newestValid(ctx, groupID)
	}
	if err != nil {
		return nil, err
	}
	return &post, nil
}

// newestValid 在最新的若干条里找第一条完好的记录，和分页一样跳过损坏记录。
func (f *Fetcher) newestValid(ctx context.Context, groupID string) (*model.Post, error) {
	recs, err := f.src.Query(ctx, source.Query{GroupID: groupID, Limit: newestScanLimit})
	f.metrics.Fetch("newest", err)
	if err != nil {
		return nil, f.wrap(ctx, "peek newest", err)
	}
	posts, err := f.normalizeAll(ctx, groupID, recs)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, nil
	}
	return &posts[0], nil
}

// Get 读取单条帖子（单帖视图/编辑视图使用）。
func (f *Fetcher) Get(ctx context.Context, id string) (model.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	rec, err := f.src.Get(ctx, id)
	f.metrics.Fetch("get", err)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return model.Post{}, err
		}
		return model.Post{}, f.wrap(ctx, "get post", err)
	}
	return f.normalize(ctx, *rec)
}

// normalizeAll 逐条归一化，损坏记录跳过并记录警告，不让整页失败。
// 旧版图片子资源并发拉取，单条失败只影响该条的图片。
func (f *Fetcher) normalizeAll(ctx context.Context, groupID string, recs []source.Record) ([]model.Post, error) {
	posts := make([]model.Post, len(recs))
	ok := make([]bool, len(recs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(legacyConcurrency)
	for i := range recs {
		rec := recs[i]
		if err := validate(rec); err != nil {
			f.logger.Printf("[Fetcher] ⚠️  skipping malformed post: group=%s id=%q err=%v", groupID, rec.ID, err)
			continue
		}
		ok[i] = true
		posts[i] = basePost(rec)
		if len(posts[i].Images) > 0 || !rec.LegacyImages {
			continue
		}
		g.Go(func() error {
			images, err := f.src.LegacyImages(gctx, rec.ID)
			f.metrics.Fetch("legacy_images", err)
			if err != nil {
				f.logger.Printf("[Fetcher] ⚠️  legacy images unavailable: id=%s err=%v", rec.ID, err)
				return nil
			}
			posts[i].Images = images
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]model.Post, 0, len(recs))
	for i := range posts {
		if ok[i] {
			out = append(out, posts[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return model.Newer(out[i], out[j]) })
	return out, nil
}

// Normalize 把写入路径返回的原始记录转换为帖子，规则与读取路径一致。
func (f *Fetcher) Normalize(ctx context.Context, rec source.Record) (model.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.normalize(ctx, rec)
}

func (f *Fetcher) normalize(ctx context.Context, rec source.Record) (model.Post, error) {
	posts, err := f.normalizeAll(ctx, rec.GroupID, []source.Record{rec})
	if err != nil {
		return model.Post{}, err
	}
	if len(posts) == 0 {
		return model.Post{}, fmt.Errorf("%w: id=%q", ErrMalformed, rec.ID)
	}
	return posts[0], nil
}

func (f *Fetcher) wrap(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		f.logger.Printf("[Fetcher] ❌ %s timed out after %v", op, f.timeout)
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func validate(rec source.Record) error {
	switch {
	case rec.DecodeErr != nil:
		return rec.DecodeErr
	case rec.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformed)
	case rec.GroupID == "":
		return fmt.Errorf("%w: missing group_id", ErrMalformed)
	case rec.CreatedAt == nil || rec.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing created_at", ErrMalformed)
	}
	return nil
}

// basePost 构造归一化后的帖子。图片优先级：当前字段 → 中间字段 → 旧版子资源（异步补齐）。
func basePost(rec source.Record) model.Post {
	images := rec.Images
	if len(images) == 0 {
		images = rec.ImageURLs
	}
	status := model.PostStatus(rec.Status)
	if !status.Valid() {
		status = model.PostStatusOpen
	}
	return model.Post{
		ID:              rec.ID,
		GroupID:         rec.GroupID,
		AuthorID:        rec.AuthorID,
		Message:         rec.Message,
		Tags:            rec.Tags,
		Images:          images,
		Status:          status,
		IsEdited:        rec.IsEdited,
		Memo:            rec.Memo,
		CreatedAt:       *rec.CreatedAt,
		ClientCreatedAt: rec.ClientCreatedAt,
	}
}
