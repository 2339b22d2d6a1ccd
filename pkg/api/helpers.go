package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "opskb-backend/pkg/errors"
)

// Success builds a success envelope.
func Success(data any, meta Metadata) Response {
	return Response{Success: true, Data: data, Metadata: meta}
}

// Failure builds an error envelope from an error chain. Plain errors are
// reported as INTERNAL_ERROR.
func Failure(err error, meta Metadata) Response {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.NewInternal("unexpected error", err)
	}
	return Response{
		Success: false,
		Error: &ErrorBody{
			Code:    string(appErr.Code),
			Message: appErr.Message,
			Details: ErrorDetails{
				CorrelationID:    meta.CorrelationID,
				RecoveryActions:  appErr.RecoveryActions,
				RetryRecommended: appErr.Retryable,
			},
		},
		Metadata: meta,
	}
}

// WriteJSON writes a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// StatusOf maps an error onto its HTTP ingress status.
func StatusOf(err error) int {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// StatusOfResponse maps a finished envelope onto its HTTP status.
func StatusOfResponse(resp Response) int {
	if resp.Success {
		return http.StatusOK
	}
	if resp.Error == nil {
		return http.StatusInternalServerError
	}
	return (&apperrors.AppError{Code: apperrors.Code(resp.Error.Code)}).HTTPStatus()
}
