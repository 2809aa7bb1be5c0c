package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"studyplan/internal/model"
)

// LoadRuleFile 读取 yaml 规则种子文件
func LoadRuleFile(path string) (*model.DecisionRuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取规则文件失败: %w", err)
	}
	rs := model.DefaultRuleSet("")
	if err := yaml.Unmarshal(data, rs); err != nil {
		return nil, fmt.Errorf("解析规则文件失败: %w", err)
	}
	return rs, nil
}

// RuleFileWatcher 监听规则种子文件，变化后整体替换规则集。
// 监听的是所在目录，编辑器“写临时文件再 rename”的保存方式也能收到事件。
type RuleFileWatcher struct {
	path     string
	store    *RulesStore
	logger   *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewRuleFileWatcher(path string, store *RulesStore, logger *zap.Logger) *RuleFileWatcher {
	return &RuleFileWatcher{
		path:     filepath.Clean(path),
		store:    store,
		logger:   logger,
		debounce: 300 * time.Millisecond,
	}
}

// Apply 加载一次种子文件
func (w *RuleFileWatcher) Apply(ctx context.Context) error {
	rs, err := LoadRuleFile(w.path)
	if err != nil {
		return err
	}
	next, changed, err := w.store.Replace(ctx, rs)
	if err != nil {
		return err
	}
	if !changed {
		w.logger.Debug("decision rules file unchanged",
			zap.String("path", w.path),
			zap.Int("version", next.Version))
		return nil
	}
	w.logger.Info("decision rules loaded from file",
		zap.String("path", w.path),
		zap.String("rule_set_id", next.ID),
		zap.Int("version", next.Version))
	return nil
}

// Start 非阻塞，ctx 取消或 Stop 后退出
func (w *RuleFileWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx, watcher)
	return nil
}

func (w *RuleFileWatcher) Stop() {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()
	if watcher == nil {
		return
	}
	_ = watcher.Close()
	<-done
}

func (w *RuleFileWatcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// 连续保存只处理最后一次
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.Apply(ctx); err != nil {
				w.logger.Warn("rule file rejected, keeping current rules", zap.String("path", w.path), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("rule file watcher error", zap.Error(err))
		}
	}
}
