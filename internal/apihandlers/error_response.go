package apihandlers

import (
	"errors"
	"net/http"

	"photoflow/internal/models"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// APIError defines standard error response
// Example: { "error": { "code": "bad_request", "message": "Invalid ID" } }
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

// JSONError sends a structured error response
func JSONError(ctx *gin.Context, status int, code, msg string) {
	ctx.AbortWithStatusJSON(status, errorResponse{Error: APIError{Code: code, Message: msg}})
}

// Convenience wrappers
func BadRequest(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusBadRequest, "bad_request", msg)
}

func Unauthorized(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusUnauthorized, "unauthorized", msg)
}

func PaymentRequired(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusPaymentRequired, "insufficient_credits", msg)
}

func NotFound(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusNotFound, "not_found", msg)
}

func Internal(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusInternalServerError, "internal_error", msg)
}

func Conflict(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusConflict, "conflict", msg)
}

// RespondError maps service errors onto the envelope above.
func RespondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		BadRequest(ctx, err.Error())
	case errors.Is(err, models.ErrNotFound):
		NotFound(ctx, err.Error())
	case errors.Is(err, models.ErrInsufficientCredits):
		PaymentRequired(ctx, err.Error())
	case errors.Is(err, models.ErrTerminal), errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrAlreadyRefunded):
		Conflict(ctx, err.Error())
	default:
		log.Errorf("API %s %s: %v", ctx.Request.Method, ctx.FullPath(), err)
		Internal(ctx, "internal server error")
	}
}
