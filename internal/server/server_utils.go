package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/nailart-academy/referrals/internal/auth"
	apperrors "github.com/nailart-academy/referrals/internal/errors"
	"github.com/nailart-academy/referrals/internal/models"
	"go.uber.org/zap"
)

var validate = validator.New()

type principalKey struct{}

type principal struct {
	id   uint
	role auth.Role
}

func withPrincipal(ctx context.Context, id uint, role auth.Role) context.Context {
	return context.WithValue(ctx, principalKey{}, principal{id: id, role: role})
}

// subjectID returns the authenticated partner or admin id.
func subjectID(r *http.Request) uint {
	p, _ := r.Context().Value(principalKey{}).(principal)
	return p.id
}

// errorStatus maps domain errors onto HTTP codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidCode),
		errors.Is(err, apperrors.ErrInvalidAmount),
		errors.Is(err, apperrors.ErrMissingPaymentDetails),
		errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrCodeNotFound),
		errors.Is(err, apperrors.ErrPartnerNotFound),
		errors.Is(err, apperrors.ErrRequestNotFound),
		errors.Is(err, apperrors.ErrNotificationNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrPartnerInactive):
		return http.StatusForbidden
	case errors.Is(err, apperrors.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, apperrors.ErrDuplicatePendingRequest),
		errors.Is(err, apperrors.ErrInvalidTransition),
		errors.Is(err, apperrors.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrInvalidCredentials),
		errors.Is(err, apperrors.ErrUnauthorized):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (ls *ServerSystem) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		ls.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		message = http.StatusText(status)
	}
	writeJSON(w, status, models.ErrorResponse{Error: message})
}

// decodeJSON reads the body into dst and runs struct validation on it.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidInput, err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidInput, err.Error())
	}
	return nil
}

func (ls *ServerSystem) clientIP(r *http.Request) string {
	return ls.proxies.ClientIP(r)
}

func pathID(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: bad id", apperrors.ErrInvalidInput)
	}
	return uint(id), nil
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 0
	}
	return limit
}
