// Package middleware содержит HTTP middleware для сервиса shopcore.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const userIDKey contextKey = "userID"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 30 * 24 * time.Hour
)

// AuthMiddleware выполняет проверку аутентификации пользователя
// по подписанному токену в cookie или заголовке Authorization.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт AuthMiddleware с указанным секретным ключом.
// Пустой ключ заменяется случайным: токены переживут только один запуск процесса.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			key = []byte("shopcore-fallback-key")
		}
	}

	return &AuthMiddleware{secretKey: key}
}

// Middleware извлекает идентификатор пользователя из токена и кладёт его в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := a.tokenFromRequest(r)
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		userID, ok := a.parseToken(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AuthMiddleware) tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if cookie, err := r.Cookie(authCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// SetAuthCookie выписывает подписанный токен и устанавливает его в cookie ответа.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, userID int64) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    a.issueToken(userID),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
	})
}

func (a *AuthMiddleware) issueToken(userID int64) string {
	payload := strconv.FormatInt(userID, 10)
	return payload + "." + hex.EncodeToString(a.sign(payload))
}

func (a *AuthMiddleware) parseToken(token string) (int64, bool) {
	payload, sig, found := strings.Cut(token, ".")
	if !found {
		return 0, false
	}

	want, err := hex.DecodeString(sig)
	if err != nil {
		return 0, false
	}
	if !hmac.Equal(a.sign(payload), want) {
		return 0, false
	}

	userID, err := strconv.ParseInt(payload, 10, 64)
	if err != nil || userID <= 0 {
		return 0, false
	}
	return userID, true
}

func (a *AuthMiddleware) sign(payload string) []byte {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// UserIDFromContext возвращает идентификатор пользователя, установленный middleware.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userIDKey).(int64)
	return userID, ok
}
