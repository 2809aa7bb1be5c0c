package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"studyplan/internal/config"
)

// Registry 按名称管理已注册的提供方
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register 注册提供方，重名报错
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("provider %s already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names 已注册的提供方名称（排序后返回）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New 按配置类型创建提供方
func New(ctx context.Context, cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	case "openai", "custom":
		// OpenAI 兼容协议
		return NewOpenAIClient(cfg), nil
	case "dify":
		return NewDifyClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}

// NewRegistryFromConfig 注册配置里的全部提供方
func NewRegistryFromConfig(ctx context.Context, items []config.ProviderConfig) (*Registry, error) {
	reg := NewRegistry()
	for _, item := range items {
		p, err := New(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", item.Name, err)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
