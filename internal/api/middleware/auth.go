// auth.go — аутентификация администратора.
//
// Два режима:
//   - JWT (RS256) с ключами из JWKS, если настроен FU_JWKS_URL;
//     токен обязан содержать scope администратора;
//   - статический bearer-токен FU_ADMIN_TOKEN (сравнение за постоянное время).
//
// Если не настроено ни то ни другое, административные маршруты отвечают 401.
package middleware

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeySubject — субъект администратора (sub из JWT или "admin-token").
	ContextKeySubject contextKey = "admin_subject"
	// ContextKeyScopes — scopes из JWT.
	ContextKeyScopes contextKey = "admin_scopes"
)

// StaticTokenSubject — субъект запросов со статическим токеном.
const StaticTokenSubject = "admin-token"

// Claims — JWT claims администратора.
// Поддерживает два формата scopes:
//   - стандартный OAuth2: "scope" (строка через пробел)
//   - "scopes" (массив строк)
type Claims struct {
	jwt.RegisteredClaims
	ScopeString string   `json:"scope"`
	ScopeArray  []string `json:"scopes"`
}

// Scopes возвращает объединённый список scope'ов из обоих форматов.
func (c *Claims) Scopes() []string {
	var result []string
	if c.ScopeString != "" {
		result = append(result, strings.Fields(c.ScopeString)...)
	}
	result = append(result, c.ScopeArray...)
	return result
}

// AdminAuthConfig — параметры аутентификации администратора.
type AdminAuthConfig struct {
	// StaticToken — bearer-токен, используется без JWKS
	StaticToken string
	// JWKSURL — адрес JWKS; включает проверку JWT
	JWKSURL string
	// CACertPath — CA-сертификат для JWKS (опционально)
	CACertPath string
	// TLSSkipVerify — не проверять сертификат JWKS
	TLSSkipVerify bool
	// ClientTimeout — таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// RefreshInterval — интервал обновления ключей
	RefreshInterval time.Duration
	// JWTLeeway — допустимое расхождение часов
	JWTLeeway time.Duration
	// Scope — scope, обязательный в JWT
	Scope string
}

// AdminAuth — middleware аутентификации администратора.
type AdminAuth struct {
	jwks        keyfunc.Keyfunc
	staticToken string
	scope       string
	jwtLeeway   time.Duration
	logger      *slog.Logger
}

// NewAdminAuth создаёт AdminAuth. При заданном JWKSURL ключи загружаются
// в фоне: сервис стартует, даже если JWKS пока недоступен.
func NewAdminAuth(cfg AdminAuthConfig, logger *slog.Logger) (*AdminAuth, error) {
	a := &AdminAuth{
		staticToken: cfg.StaticToken,
		scope:       cfg.Scope,
		jwtLeeway:   cfg.JWTLeeway,
		logger:      logger.With(slog.String("component", "admin_auth")),
	}
	if cfg.JWKSURL == "" {
		if cfg.StaticToken == "" {
			a.logger.Warn("Аутентификация администратора не настроена, административные маршруты недоступны")
		}
		return a, nil
	}

	httpClient, err := buildHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.CACertPath != "" {
		logger.Info("CA-сертификат добавлен в пул доверия",
			slog.String("ca_cert", cfg.CACertPath),
		)
	}

	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", cfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}
	a.jwks = k
	return a, nil
}

// NewAdminAuthWithKeyfunc создаёт AdminAuth с готовой keyfunc (тесты).
func NewAdminAuthWithKeyfunc(kf keyfunc.Keyfunc, scope string, jwtLeeway time.Duration, logger *slog.Logger) *AdminAuth {
	return &AdminAuth{
		jwks:      kf,
		scope:     scope,
		jwtLeeway: jwtLeeway,
		logger:    logger.With(slog.String("component", "admin_auth")),
	}
}

// buildHTTPClient создаёт HTTP-клиент JWKS с настроенным TLS и таймаутом.
func buildHTTPClient(cfg AdminAuthConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // настраивается через FU_TLS_SKIP_VERIFY
	}

	if cfg.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", cfg.CACertPath, err)
		}
		caCertPool, err := x509.SystemCertPool()
		if err != nil {
			caCertPool = x509.NewCertPool()
		}
		caCertPool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = caCertPool
	}

	return &http.Client{
		Timeout:   cfg.ClientTimeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

// Middleware возвращает HTTP middleware. Субъект кладётся в контекст.
func (a *AdminAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.jwks == nil && a.staticToken == "" {
				apierrors.Unauthorized(w, "Аутентификация администратора не настроена")
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				apierrors.Unauthorized(w, "Требуется заголовок Authorization: Bearer <token>")
				return
			}

			if a.jwks == nil {
				if subtle.ConstantTimeCompare([]byte(token), []byte(a.staticToken)) != 1 {
					a.logger.Warn("Неверный токен администратора",
						slog.String("ip", ClientIP(r.Context())),
					)
					apierrors.Unauthorized(w, "Неверный токен администратора")
					return
				}
				ctx := context.WithValue(r.Context(), ContextKeySubject, StaticTokenSubject)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			claims := &Claims{}
			parsed, err := jwt.ParseWithClaims(token, claims, a.jwks.KeyfuncCtx(r.Context()),
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(a.jwtLeeway),
			)
			if err != nil || !parsed.Valid {
				a.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("ip", ClientIP(r.Context())),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			scopes := claims.Scopes()
			if a.scope != "" && !hasScope(scopes, a.scope) {
				apierrors.Forbidden(w, "Недостаточно прав: требуется scope "+a.scope)
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySubject, subject)
			ctx = context.WithValue(ctx, ContextKeyScopes, scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken извлекает токен из Authorization: Bearer <token>.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// SubjectFromContext извлекает субъект администратора из контекста.
// Возвращает пустую строку, если субъекта нет.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(ContextKeySubject).(string)
	return subject
}

// ScopesFromContext извлекает scopes из контекста.
func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(ContextKeyScopes).([]string)
	return scopes
}
