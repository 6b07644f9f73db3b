package config

import (
	"context"
	"fmt"
	"path/filepath"

	"CoWatch/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// Watch 监听 .env 文件变化，变化后重新加载配置并回调。
// 监听的是文件所在目录，编辑器的原子替换写法（rename）也能捕获。
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("监听目录失败: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				// Overload 会覆盖进程中已有的同名变量
				if err := godotenv.Overload(abs); err != nil {
					logger.Warn("重新加载配置失败", logger.String("path", abs), logger.ErrorField(err))
					continue
				}
				logger.Info("配置文件已重新加载", logger.String("path", abs))
				onChange(fromEnv())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("配置文件监听错误", logger.ErrorField(err))
			}
		}
	}()
	return nil
}
