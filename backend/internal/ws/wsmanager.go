package ws

import (
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 默认允许本地开发环境的来源
var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == "null" { // 非浏览器客户端可能不发送 Origin
				return true
			}
			for _, p := range allowedOrigins {
				if originAllowed(origin, p) {
					return true
				}
			}
			return false
		},
	}
}

// originAllowed 按 scheme + host 精确比较；配置里不写端口时允许该主机的任意端口
func originAllowed(origin, allowed string) bool {
	if allowed == "*" {
		return true
	}
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return false
	}
	a, err := url.Parse(allowed)
	if err != nil || a.Host == "" {
		return false
	}
	if !strings.EqualFold(o.Scheme, a.Scheme) || !strings.EqualFold(o.Hostname(), a.Hostname()) {
		return false
	}
	return a.Port() == "" || o.Port() == a.Port()
}

type Manager struct {
	h        *Hub
	upgrader websocket.Upgrader
	opt      ConnOptions
}

func NewManager(h *Hub, allowedOrigins []string, opt ConnOptions) *Manager {
	return &Manager{h: h, upgrader: newUpgrader(allowedOrigins), opt: opt}
}

// WebSocketConnect 要求前面已经过了鉴权中间件（userId/username 在 gin.Context 里）
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := strconv.FormatUint(c.GetUint64("userId"), 10)
	username := c.GetString("username")

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.h, userID, username, m.opt)
	log.Printf("session connected (user=%s, session=%s)", userID, wsConn.SessionID())
	// 阻塞到连接关闭
	wsConn.Serve(c.Request.Context())
	log.Printf("session closed (user=%s, session=%s)", userID, wsConn.SessionID())
}
