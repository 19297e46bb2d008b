package decompose

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 10 * time.Minute
)

// CachedService 缓存相同任务文本的拆解结果，避免重复调用模型。错误结果与
// 无法通过校验的结果（空列表、空描述）不缓存。
type CachedService struct {
	delegate Service
	cache    *expirable.LRU[string, []Spec]
}

// NewCachedService 包装 delegate。size 或 ttl 非正时使用默认值。
func NewCachedService(delegate Service, size int, ttl time.Duration) *CachedService {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedService{
		delegate: delegate,
		cache:    expirable.NewLRU[string, []Spec](size, nil, ttl),
	}
}

// Decompose 实现 Service 接口。
func (c *CachedService) Decompose(ctx context.Context, text string) ([]Spec, error) {
	key := strings.TrimSpace(text)
	if specs, ok := c.cache.Get(key); ok {
		return append([]Spec(nil), specs...), nil
	}
	specs, err := c.delegate.Decompose(ctx, text)
	if err != nil {
		return nil, err
	}
	if cacheable(specs) {
		c.cache.Add(key, append([]Spec(nil), specs...))
	}
	return specs, nil
}

func cacheable(specs []Spec) bool {
	if len(specs) == 0 {
		return false
	}
	for _, spec := range specs {
		if strings.TrimSpace(spec.Description) == "" {
			return false
		}
	}
	return true
}

// Len 返回当前缓存条目数。
func (c *CachedService) Len() int {
	return c.cache.Len()
}
