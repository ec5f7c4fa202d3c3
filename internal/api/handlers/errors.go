package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/ride-coordination/internal/api/dto"
	"github.com/gocomet/ride-coordination/internal/domain/trip"
	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/internal/geo"
	"github.com/gocomet/ride-coordination/internal/identity"
	"github.com/gocomet/ride-coordination/internal/routing"
	"github.com/gocomet/ride-coordination/internal/service/pool"
	"github.com/gocomet/ride-coordination/internal/service/pricing"
	"github.com/gocomet/ride-coordination/internal/service/tracking"
	apperrors "github.com/gocomet/ride-coordination/pkg/errors"
	"github.com/gocomet/ride-coordination/pkg/logger"
)

// errorMappings is checked in order, so wrappers come before what they wrap
var errorMappings = []apperrors.Mapping{
	{Target: pool.ErrNoLongerAvailable, Build: apperrors.Conflict, Message: "Trip is no longer available"},
	{Target: trip.ErrStaleState, Build: apperrors.Conflict},
	{Target: trip.ErrTripNotFound, Build: apperrors.NotFound, Message: "Trip not found"},
	{Target: trip.ErrForbidden, Build: apperrors.PermissionDenied},
	{Target: trip.ErrInvalidTrip, Build: apperrors.Validation},

	{Target: identity.ErrInvalidCredentials, Build: apperrors.Unauthorized, Message: "Invalid email or password"},
	{Target: identity.ErrInvalidToken, Build: apperrors.Unauthorized, Message: "Invalid or expired token"},
	{Target: identity.ErrWeakPassword, Build: apperrors.Validation},
	{Target: identity.ErrInvalidEmail, Build: apperrors.Validation},
	{Target: user.ErrEmailTaken, Build: apperrors.Conflict},
	{Target: user.ErrInvalidUser, Build: apperrors.Validation},
	{Target: user.ErrInvalidRole, Build: apperrors.BadRequest},
	{Target: user.ErrUserNotFound, Build: apperrors.NotFound},

	{Target: pricing.ErrInvalidDistance, Build: apperrors.Validation},
	{Target: pricing.ErrInvalidFare, Build: apperrors.Validation, Message: "Invalid fare"},

	{Target: geo.ErrNotNumeric, Build: apperrors.Validation},
	{Target: geo.ErrOutOfBounds, Build: apperrors.Validation},
	{Target: geo.ErrLowAccuracy, Build: apperrors.Validation},
	{Target: geo.ErrStale, Build: apperrors.Validation},
	{Target: geo.ErrIntegerCoords, Build: apperrors.Validation},
	{Target: geo.ErrDenylisted, Build: apperrors.Validation},
	{Target: geo.ErrImplausibleJump, Build: apperrors.Validation},

	{Target: tracking.ErrNotTrackable, Build: apperrors.Conflict},
	{Target: tracking.ErrSessionEnded, Build: apperrors.Conflict},
	{Target: pool.ErrOffline, Build: apperrors.Conflict},

	{Target: routing.ErrNotFound, Build: apperrors.Validation},
	{Target: routing.ErrNoRoute, Build: apperrors.Validation},
	{Target: routing.ErrTransient, Build: apperrors.TransientNetwork, Message: "Routing service unavailable, try again"},
}

// translate maps any error to the AppError returned to clients
func translate(err error) *apperrors.AppError {
	return apperrors.Translate(err, errorMappings...)
}

// respondError writes err as a JSON error body
func (h *Handlers) respondError(c *gin.Context, err error) {
	appErr := translate(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed",
			logger.String("path", c.FullPath()),
			logger.String("code", appErr.Code),
			logger.Err(err),
		)
	} else {
		h.Logger.Debug("Request rejected",
			logger.String("path", c.FullPath()),
			logger.String("code", appErr.Code),
			logger.Err(err),
		)
	}

	body := dto.ErrorResponse{Code: appErr.Code, Message: appErr.Message}
	var stale *trip.StaleStateError
	if errors.As(err, &stale) {
		body.CurrentStatus = string(stale.Actual)
	}
	c.AbortWithStatusJSON(appErr.Status, body)
}

// badRequest reports a payload that failed binding
func (h *Handlers) badRequest(c *gin.Context, err error) {
	h.respondError(c, apperrors.BadRequest("Invalid request payload", err))
}
