// Пакет openapi — встроенный контракт HTTP API и проверка параметров запросов.
//
// Документ загружается kin-openapi при старте. Middleware проверяет
// параметры пути, query и заголовков для описанных маршрутов; тело запроса
// не проверяется (загрузка файла — поток). Маршруты вне документа
// пропускаются без проверки.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
)

//go:embed openapi.yaml
var specYAML []byte

// Spec возвращает встроенный документ в исходном виде.
func Spec() []byte {
	return specYAML
}

// Load разбирает и валидирует встроенный документ.
func Load() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора OpenAPI: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("невалидный документ OpenAPI: %w", err)
	}
	return doc, nil
}

// Validator — middleware проверки запросов по документу.
type Validator struct {
	router routers.Router
	logger *slog.Logger
}

// NewValidator создаёт Validator поверх встроенного документа.
func NewValidator(logger *slog.Logger) (*Validator, error) {
	doc, err := Load()
	if err != nil {
		return nil, err
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("ошибка построения маршрутов OpenAPI: %w", err)
	}
	return &Validator{
		router: router,
		logger: logger.With(slog.String("component", "openapi")),
	}, nil
}

// Middleware возвращает HTTP middleware. Ошибка проверки — 400 VALIDATION_ERROR.
func (v *Validator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := v.router.FindRoute(r)
			if err != nil {
				// Маршрут не описан: решает основной роутер
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					ExcludeRequestBody: true,
					AuthenticationFunc: noopAuth,
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				msg := describe(err)
				v.logger.Debug("Запрос не прошёл проверку OpenAPI",
					slog.String("path", r.URL.Path),
					slog.String("error", msg),
				)
				apierrors.ValidationError(w, msg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// noopAuth — аутентификацию выполняют обработчики и AdminAuth.
func noopAuth(context.Context, *openapi3filter.AuthenticationInput) error {
	return nil
}

// describe формирует короткое сообщение об ошибке параметра.
func describe(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) && reqErr.Parameter != nil {
		reason := reqErr.Reason
		if reason == "" && reqErr.Err != nil {
			reason = firstLine(reqErr.Err.Error())
		}
		return fmt.Sprintf("Недопустимый параметр %s: %s", reqErr.Parameter.Name, reason)
	}
	return "Запрос не соответствует контракту API: " + firstLine(err.Error())
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// Handler отдаёт встроенный документ.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(specYAML)
	}
}
