package feed

import (
	"sort"

	"team-feed/server/internal/model"
)

// Merge 按 id 合并两个列表，fresh 是更近一次拉取的结果。
//
// 约定：
// - 同 id 冲突时 fresh 的版本胜出（可能带着更新过的可变字段），位置沿用 held。
// - fresh 独有的条目追加后，整体按 model.Newer 稳定排序。
func Merge(held, fresh []model.Post) []model.Post {
	index := make(map[string]int, len(held)+len(fresh))
	out := make([]model.Post, 0, len(held)+len(fresh))
	for _, p := range held {
		if i, ok := index[p.ID]; ok {
			out[i] = p
			continue
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	for _, p := range fresh {
		if i, ok := index[p.ID]; ok {
			out[i] = p
			continue
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return model.Newer(out[i], out[j]) })
	return out
}

// mergeRefresh 用新拉取的首页替换列表头部。
//
// 首页窗口内缺席的旧条目视为已删除；窗口之外（比首页最后一条更旧）的旧条目
// 只在远端还有更多时保留，避免正在查看的条目被突然移走。
// 返回的 keptTail 表示是否保留了窗口外的旧条目（调用方据此决定沿用旧游标）。
func mergeRefresh(held []model.Post, fresh model.Page) (items []model.Post, keptTail bool) {
	items = append([]model.Post(nil), fresh.Items...)
	if !fresh.HasMore || len(fresh.Items) == 0 {
		return Merge(nil, items), false
	}
	boundary := fresh.Items[len(fresh.Items)-1]
	var tail []model.Post
	for _, p := range held {
		if model.Newer(boundary, p) {
			tail = append(tail, p)
		}
	}
	return Merge(tail, items), len(tail) > 0
}

// without 去掉墓碑中的条目。
func without(items []model.Post, tombstones map[string]struct{}) []model.Post {
	if len(tombstones) == 0 {
		return items
	}
	out := items[:0:0]
	for _, p := range items {
		if _, gone := tombstones[p.ID]; !gone {
			out = append(out, p)
		}
	}
	return out
}
