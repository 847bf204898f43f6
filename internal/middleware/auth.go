// Package middleware содержит HTTP middleware сервиса магазина.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const operatorKey contextKey = "operator"

const bearerPrefix = "Bearer "

// AdminAuth проверяет токен оператора из заголовка Authorization.
// Токен сравнивается с bcrypt-хешем из конфигурации.
type AdminAuth struct {
	hash []byte
}

// NewAdminAuth создаёт AdminAuth. При пустом хеше все запросы отклоняются.
func NewAdminAuth(tokenHash string) *AdminAuth {
	return &AdminAuth{hash: []byte(strings.TrimSpace(tokenHash))}
}

// HashToken возвращает bcrypt-хеш токена для конфигурации.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Middleware пропускает запрос только с верным токеном оператора.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || !a.valid(token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="starshop"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AdminAuth) valid(token string) bool {
	if len(a.hash) == 0 || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(token)) == nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, bearerPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix)), true
}

// IsOperator сообщает, прошёл ли запрос проверку токена оператора.
func IsOperator(ctx context.Context) bool {
	ok, _ := ctx.Value(operatorKey).(bool)
	return ok
}
