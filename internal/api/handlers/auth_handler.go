package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/ride-coordination/internal/api/dto"
)

// SignUp handles POST /v1/auth/signup and signs the new user in
func (h *Handlers) SignUp(c *gin.Context) {
	var req dto.SignUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	if _, err := h.Identity.SignUp(ctx, req.Email, req.Password, req.Profile()); err != nil {
		h.respondError(c, err)
		return
	}
	session, err := h.Identity.SignIn(ctx, req.Email, req.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.AuthResponse{Token: session.Token, ExpiresAt: session.ExpiresAt, User: session.User})
}

// SignIn handles POST /v1/auth/signin
func (h *Handlers) SignIn(c *gin.Context) {
	var req dto.SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	session, err := h.Identity.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.AuthResponse{Token: session.Token, ExpiresAt: session.ExpiresAt, User: session.User})
}

// SignOut handles POST /v1/auth/signout. Sign-out hooks take the user's
// listener offline and end their tracking sessions.
func (h *Handlers) SignOut(c *gin.Context) {
	if err := h.Identity.SignOut(c.Request.Context(), c.GetString(ctxToken)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Message: "signed out"})
}

// Me handles GET /v1/auth/me
func (h *Handlers) Me(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}
