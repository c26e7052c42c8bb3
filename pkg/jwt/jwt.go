// Package jwt 提供 JWT Token 的生成和验证功能
// 身份由上游签发，服务只验证 Token 并从中取出用户ID
package jwt

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 定义错误类型
var (
	ErrInvalidToken = errors.New("invalid token")     // Token 无效
	ErrExpiredToken = errors.New("token has expired") // Token 已过期
)

// subjectAccess Access Token 的 subject
const subjectAccess = "access"

// UserClaims 用户 JWT 的声明（Payload）
type UserClaims struct {
	UserID   int64  `json:"user_id"`  // 用户 ID
	Username string `json:"username"` // 用户名
	jwt.RegisteredClaims
}

// JWTService 提供 JWT 相关操作
type JWTService struct {
	secret       []byte        // JWT 签名密钥
	issuer       string        // 签发者
	accessExpire time.Duration // Access Token 过期时间
}

// NewJWTService 创建 JWTService 实例
// 参数:
//   - secret: JWT 签名密钥，至少 32 个字符
//   - issuer: 签发者标识
//   - accessExpire: Access Token 过期时间
//
// 返回:
//   - *JWTService: JWT 服务实例
func NewJWTService(secret, issuer string, accessExpire time.Duration) *JWTService {
	return &JWTService{
		secret:       []byte(secret),
		issuer:       issuer,
		accessExpire: accessExpire,
	}
}

// GenerateAccessToken 生成 Access Token
// 供运维命令和测试签发用户 Token
// 参数:
//   - userID: 用户 ID
//   - username: 用户名
//
// 返回:
//   - string: JWT Token 字符串
//   - error: 生成错误
func (s *JWTService) GenerateAccessToken(userID int64, username string) (string, error) {
	now := time.Now()
	claims := UserClaims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpire)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   subjectAccess,
		},
	}

	// 使用 HMAC SHA256 算法签名
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken 验证用户 Token
// 参数:
//   - tokenString: JWT Token 字符串
//
// 返回:
//   - *UserClaims: Token 中的声明信息
//   - error: 验证错误（无效或已过期）
func (s *JWTService) ValidateToken(tokenString string) (*UserClaims, error) {
	return checkUserClaims(parseUserClaims(tokenString, s.secret))
}

// GetAccessExpire 获取 Access Token 过期时间
func (s *JWTService) GetAccessExpire() time.Duration {
	return s.accessExpire
}

// ParseUserToken 解析用户 Token（独立函数，供 WebSocket 使用）
// 参数:
//   - tokenString: JWT Token 字符串
//   - secret: JWT 签名密钥
//
// 返回:
//   - *UserClaims: Token 中的声明信息
//   - error: 验证错误
func ParseUserToken(tokenString, secret string) (*UserClaims, error) {
	return checkUserClaims(parseUserClaims(tokenString, []byte(secret)))
}

// checkUserClaims 只接受带有效用户ID的 Access Token
func checkUserClaims(claims *UserClaims, err error) (*UserClaims, error) {
	if err != nil {
		return nil, err
	}
	if claims.Subject != subjectAccess || claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func parseUserClaims(tokenString string, secret []byte) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 确保使用的是 HMAC 算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashToken 计算 Token 的 SHA256 哈希值
// 用于黑名单存储，避免存储原始 Token
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
