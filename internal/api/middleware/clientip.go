// clientip.go — определение IP клиента.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

const contextKeyClientIP contextKey = "client_ip"

// proxyHeaders — заголовки прокси в порядке приоритета.
var proxyHeaders = []string{"CF-Connecting-IP", "Client-IP", "X-Forwarded-For"}

// ClientIPMiddleware определяет IP клиента и кладёт его в контекст.
// trustProxy — учитывать заголовки CF-Connecting-IP, Client-IP и
// X-Forwarded-For (первый элемент). Берётся первый корректный адрес,
// иначе — хост из RemoteAddr.
func ClientIPMiddleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, trustProxy)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyClientIP, ip)))
		})
	}
}

// ClientIP возвращает IP клиента из контекста или пустую строку.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(contextKeyClientIP).(string)
	return ip
}

func resolveClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		for _, h := range proxyHeaders {
			v := r.Header.Get(h)
			if v == "" {
				continue
			}
			if h == "X-Forwarded-For" {
				v, _, _ = strings.Cut(v, ",")
			}
			v = strings.TrimSpace(v)
			if net.ParseIP(v) != nil {
				return v
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
