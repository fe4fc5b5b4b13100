package errors //nolint:revive

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestWriteError проверяет формат конверта ошибки.
func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusNotFound, CodeNotFound, "Файл не найден")

	if rec.Code != http.StatusNotFound {
		t.Errorf("статус: ожидался 404, получен %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type: %q", ct)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("ошибка декодирования: %v", err)
	}
	if body["success"] != false {
		t.Errorf("success: ожидалось false, получено %v", body["success"])
	}
	if body["code"] != CodeNotFound {
		t.Errorf("code: ожидалось %s, получено %v", CodeNotFound, body["code"])
	}
	if _, ok := body["data"]; ok {
		t.Error("data не должно присутствовать в ответе ошибки без данных")
	}
}

// TestWriteSuccess проверяет, что успех и ошибка имеют одну форму.
func TestWriteSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteSuccess(rec, http.StatusCreated, "ok", map[string]int{"size": 3})

	var env struct {
		Success bool           `json:"success"`
		Message string         `json:"message"`
		Code    string         `json:"code"`
		Data    map[string]int `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("ошибка декодирования: %v", err)
	}
	if !env.Success || env.Message != "ok" || env.Code != "" {
		t.Errorf("неожиданный конверт: %+v", env)
	}
	if env.Data["size"] != 3 {
		t.Errorf("data.size: ожидалось 3, получено %d", env.Data["size"])
	}
}

// TestRateLimitedAndBusyHeaders проверяет заголовки Retry-After.
func TestRateLimitedAndBusyHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	RateLimited(rec, "слишком много запросов", 60)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("статус: ожидался 429, получен %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After: %q", rec.Header().Get("Retry-After"))
	}

	rec = httptest.NewRecorder()
	Busy(rec, "занято")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("статус: ожидался 503, получен %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After: %q", rec.Header().Get("Retry-After"))
	}
}
