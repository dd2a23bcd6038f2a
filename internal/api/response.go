package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Conveyor/internal/repo"
)

// Конверт ответов:
//
//	{"data": ...}
//	{"data": [...], "total": n}
//	{"error": {"code": "...", "message": "..."}}

// ErrorCode — машинный код ошибки в ответе.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type DataResponse struct {
	Data any `json:"data"`
}

type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total,omitempty"`
}

// JSON пишет тело ответа. Ошибка кодирования означает оборванное
// соединение, заголовок к этому моменту уже отправлен.
func JSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// Accepted — запрос принят, обработка асинхронная (202).
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, DataResponse{Data: data})
}

func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func Unavailable(w http.ResponseWriter, message string) {
	Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// InternalError логирует причину; клиент видит только общий текст.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// repoErrors — ошибки хранилища, которые клиент может исправить сам.
var repoErrors = []struct {
	target error
	status int
	code   ErrorCode
}{
	{repo.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{repo.ErrAlreadyExists, http.StatusConflict, ErrCodeConflict},
	{repo.ErrInvalidState, http.StatusUnprocessableEntity, ErrCodeInvalidState},
}

// HandleRepoError пишет ответ для ошибки хранилища и возвращает true,
// если err != nil. notFoundMsg заменяет текст ErrNotFound.
func HandleRepoError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	if err == nil {
		return false
	}

	for _, m := range repoErrors {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := err.Error()
		if m.code == ErrCodeNotFound {
			msg = notFoundMsg
		}
		Error(w, m.status, m.code, msg)
		return true
	}

	InternalError(w, logger, err)
	return true
}
