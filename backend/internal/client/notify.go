package client

import (
	"errors"
	"log"

	"collabsync/backend/internal/store"
)

// Notifier 是非阻塞的提示（toast），保存失败之类的错误只走这里
type Notifier interface {
	Notify(title, message string)
}

// Navigator 负责跳转，文档不存在时把用户带走
type Navigator interface {
	Navigate(path string)
}

type LogNotifier struct{}

func (LogNotifier) Notify(title, message string) {
	log.Printf("[notify] %s: %s", title, message)
}

type LogNavigator struct{}

func (LogNavigator) Navigate(path string) {
	log.Printf("[navigate] -> %s", path)
}

// redirectPath 返回重定向目标：只有文档确实不存在时才回到所在 workspace 的面板，
// 读取出错（包括 id 非法）一律回 /dashboard。workspace 本身不存在也回 /dashboard
func redirectPath(kind store.Kind, workspaceID string, cause error) string {
	if !errors.Is(cause, store.ErrNotFound) || kind == store.KindWorkspace || workspaceID == "" {
		return "/dashboard"
	}
	return "/dashboard/" + workspaceID
}
