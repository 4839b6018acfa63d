package notify

import (
	"context"

	"dealradar/internal/model"
)

// Notifier 定义通知接口。
type Notifier interface {
	// Send 发送一次搜索执行产生的新匹配摘要。
	//
	// 参数:
	//   ctx: 上下文
	//   query: 触发的搜索词
	//   matches: 本次新写入的匹配商品
	Send(ctx context.Context, query string, matches []model.Match) error
}
