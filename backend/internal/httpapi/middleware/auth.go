package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthenticated = errors.New("UNAUTHENTICATED")
	// ErrNoSecret 表示既没有配置密钥也没有 JWT_SECRET
	ErrNoSecret = errors.New("jwt secret not configured")
)

type Claims struct {
	UserID   string            `json:"sub"`
	Username string            `json:"username"`
	Type     string            `json:"typ"`
	Role     string            `json:"role,omitempty"`
	DocRoles map[string]string `json:"docRoles,omitempty"`
	jwt.RegisteredClaims
}

// Verifier 把 token 换成身份
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// JWTVerifier 本地校验 HS256 access token
type JWTVerifier struct {
	secret []byte
}

// secret 为空时读 JWT_SECRET，两者都为空返回 ErrNoSecret
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

// NewVerifier 配置了 authPath 时转发给 auth 服务，否则本地校验
func NewVerifier(authPath, secret string) (Verifier, error) {
	if authPath != "" {
		return NewRemoteVerifier(authPath, 0), nil
	}
	return NewJWTVerifier(secret)
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}

// Sign 签发 access token，本地联调和测试用
func (v *JWTVerifier) Sign(userID, username, role string, docRoles map[string]string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     "access",
		Role:     role,
		DocRoles: docRoles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// RemoteVerifier 调用 auth-service 的 /v1/auth/verify
type RemoteVerifier struct {
	verifyURL string
	client    *http.Client
}

// authBaseURL 不要带路径，例如 http://localhost:3001
func NewRemoteVerifier(authBaseURL string, timeout time.Duration) *RemoteVerifier {
	if timeout <= 0 {
		timeout = 1200 * time.Millisecond
	}
	return &RemoteVerifier{
		verifyURL: strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify",
		client:    &http.Client{Timeout: timeout},
	}
}

type verifyResp struct {
	Sub      any               `json:"sub"`
	UserID   any               `json:"userId"`
	Username string            `json:"username"`
	Type     string            `json:"typ"`
	Role     string            `json:"role"`
	DocRoles map[string]string `json:"docRoles"`
	Error    string            `json:"error"`
}

func (v *RemoteVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tokenString)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth verify: %w", err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var body verifyResp
	_ = dec.Decode(&body) // 尽力解析
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		if body.Error == "" {
			body.Error = "invalid token"
		}
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, body.Error)
	default:
		return nil, fmt.Errorf("auth verify: status %d", resp.StatusCode)
	}

	// auth-service 的用户 id 是数字，这里统一成字符串
	id := body.Sub
	if id == nil {
		id = body.UserID
	}
	claims := &Claims{Username: body.Username, Type: body.Type, Role: body.Role, DocRoles: body.DocRoles}
	if id != nil {
		claims.UserID = fmt.Sprint(id)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrUnauthenticated)
	}
	return claims, nil
}

// AuthMiddleware 从 Authorization 或 ?token= 取 token，校验后写入 userId/username/role/docRoles
func AuthMiddleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 浏览器 WebSocket 无法自定义 Header
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		claims, err := v.Verify(c.Request.Context(), tokenString)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": err.Error()})
				return
			}
			log.Printf("auth verify failed err=%v", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"code": "AUTH_UPSTREAM_ERROR", "message": "auth verify failed"})
			return
		}
		if claims.Type != "" && claims.Type != "access" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "access token required",
			})
			return
		}

		setIdentity(c, claims)
		c.Next()
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
