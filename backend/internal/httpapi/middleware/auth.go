package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type verifyErrResp struct {
	Error string `json:"error"`
}

type VerifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"` // "access"
}

type AuthOptions struct {
	// JWTSecret 非空时本地校验 token，不再请求 auth-service
	JWTSecret string
	// AuthBaseURL 不要带路径，例如 http://localhost:3001，middleware 自己拼 /v1/auth/verify
	AuthBaseURL string
	Timeout     time.Duration
}

func AuthMiddleware(opt AuthOptions) gin.HandlerFunc {
	if opt.Timeout <= 0 {
		opt.Timeout = 1200 * time.Millisecond
	}
	secret := []byte(opt.JWTSecret)
	client := &http.Client{}
	verifyURL := strings.TrimRight(opt.AuthBaseURL, "/") + "/v1/auth/verify"

	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		if len(secret) > 0 {
			claims, err := ParseAccessToken(tokenString, secret)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":    "UNAUTHENTICATED",
					"message": err.Error(),
				})
				return
			}
			c.Set("userId", claims.UserID)
			c.Set("username", claims.Username)
			c.Next()
			return
		}

		claims, status, msg := verifyRemote(c.Request.Context(), client, verifyURL, tokenString, opt.Timeout)
		if status != http.StatusOK {
			code := "AUTH_UPSTREAM_ERROR"
			if status == http.StatusUnauthorized {
				code = "UNAUTHENTICATED"
			}
			c.AbortWithStatusJSON(status, gin.H{"code": code, "message": msg})
			return
		}
		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

// verifyRemote 调用 auth-service 的 verify 接口，返回中间件应该回给客户端的状态码
func verifyRemote(parent context.Context, client *http.Client, verifyURL, token string, timeout time.Duration) (VerifyClaims, int, string) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	var claims VerifyClaims
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return claims, http.StatusInternalServerError, "build verify request failed"
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// 这里包含超时：context deadline exceeded
		log.Printf("auth verify error: %v", err)
		return claims, http.StatusBadGateway, "auth-service verify failed"
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析错误信息
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return claims, http.StatusUnauthorized, e.Error
	}
	if resp.StatusCode != http.StatusOK {
		return claims, http.StatusBadGateway, "auth-service verify non-200"
	}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return claims, http.StatusBadGateway, "invalid verify response"
	}
	if claims.Type != "" && claims.Type != "access" {
		return claims, http.StatusUnauthorized, "access token required"
	}
	return claims, http.StatusOK, ""
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// "Bearer" 前缀大小写不敏感
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
