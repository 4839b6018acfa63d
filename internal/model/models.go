package model

import (
	"time"
)

// Platform 标识商品来源平台。
//
// 这是一个封闭枚举：新增平台意味着新增常量和对应的 Searcher 实现，
// 不存在运行时注册机制。
type Platform string

const (
	// PlatformEbay 通过 eBay Finding API 获取真实数据。
	PlatformEbay Platform = "ebay"
	// PlatformKleinanzeigen 没有公开 API，返回示例数据（Searcher.Live() == false）。
	PlatformKleinanzeigen Platform = "kleinanzeigen"
)

// AllPlatforms 返回所有已知平台，顺序固定。
func AllPlatforms() []Platform {
	return []Platform{PlatformEbay, PlatformKleinanzeigen}
}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformEbay, PlatformKleinanzeigen:
		return true
	}
	return false
}

// DefaultCurrency 上游未给出币种时使用的默认值。
const DefaultCurrency = "EUR"

// SavedSearch 表示用户保存的一条搜索条件。
//
// 创建后不可修改（只能删除）。MaxPrice 为 0 表示不限价。
type SavedSearch struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	MaxPrice  float64   `json:"max_price,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RawListing 表示一条平台搜索结果（过滤前的原始数据）。
//
// 它只在一次 search-and-filter 周期内存活，从不落盘；
// ID 是平台内的原始标识，跨平台不保证唯一。
type RawListing struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Price     float64  `json:"price"`
	Currency  string   `json:"currency"`
	Platform  Platform `json:"platform"`
	URL       string   `json:"url"`
	Condition string   `json:"condition,omitempty"`
	Location  string   `json:"location,omitempty"`
}

// Match 表示通过相关性过滤并持久化的商品。
//
// ID 的格式为 "{platform}-{原始ID}-{随机后缀}"，后缀保证集合内唯一
// （不同平台的原始 ID 可能巧合相同）。SearchID 是弱引用：删除 SavedSearch
// 不会级联删除 Match。
//
// 兼容性约定：历史数据缺少 is_read 字段时按未读处理（JSON 零值），
// 加载过程不得因此失败。
type Match struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Price     float64  `json:"price"`
	Currency  string   `json:"currency"`
	Platform  Platform `json:"platform"`
	URL       string   `json:"url"`
	Condition string   `json:"condition,omitempty"`
	Location  string   `json:"location,omitempty"`

	SearchID string    `json:"search_id"`
	FoundAt  time.Time `json:"found_at"`
	IsRead   bool      `json:"is_read"`
}

// Settings 保存用户可变的运行时设置（持久化在 settings blob 中）。
//
// 注意：凭证（API key、SMTP 密码等）绝不保存在这里，它们只通过
// 环境变量/配置文件进入进程（见 internal/config）。
type Settings struct {
	// EnabledPlatforms 为空表示所有平台启用。
	EnabledPlatforms map[Platform]bool `json:"enabled_platforms,omitempty"`
}

// PlatformEnabled 判断平台是否启用（未配置的平台默认启用）。
func (s Settings) PlatformEnabled(p Platform) bool {
	if len(s.EnabledPlatforms) == 0 {
		return true
	}
	enabled, ok := s.EnabledPlatforms[p]
	if !ok {
		return true
	}
	return enabled
}
