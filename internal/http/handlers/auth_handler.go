// Auth HTTP handlers.
//
//   - GET  /auth/setup    (whether the first account still has to be created)
//   - POST /auth/setup    (create the first account, which becomes admin)
//   - POST /auth/login
//   - POST /auth/logout
//   - GET  /auth/me
//
// Successful setup and login set the session cookie and also return the
// token for clients that prefer the Authorization header.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/http/middleware"
	"github.com/tbourn/treebot/internal/services"
)

// CredentialsRequest carries a username and password.
type CredentialsRequest struct {
	Username string `json:"username" example:"alice"`
	Password string `json:"password" example:"correct horse battery"`
}

// SessionResponse is returned by setup and login.
type SessionResponse struct {
	User  *domain.User `json:"user"`
	Token string       `json:"token"`
}

// SetupStatusResponse reports whether setup is still open.
type SetupStatusResponse struct {
	NeedsSetup bool `json:"needsSetup"`
}

func (h *Handlers) setSessionCookie(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookie, token, maxAge, "/", "", h.secureCookie, true)
}

func (h *Handlers) startSession(c *gin.Context, status int, s *services.Session) {
	h.setSessionCookie(c, s.Token, int(h.sessionTTL.Seconds()))
	ok(c, status, SessionResponse{User: s.User, Token: s.Token})
}

// SetupStatus godoc
// @ID          setupStatus
// @Summary     Report whether initial setup is pending
// @Tags        Auth
// @Produce     json
// @Success     200  {object}  handlers.SetupStatusResponse
// @Router      /auth/setup [get]
func (h *Handlers) SetupStatus(c *gin.Context) {
	need, err := h.auth.NeedsSetup(c.Request.Context())
	if err != nil {
		respond(c, err)
		return
	}
	ok(c, http.StatusOK, SetupStatusResponse{NeedsSetup: need})
}

// Setup godoc
// @ID          setup
// @Summary     Create the first (admin) account
// @Tags        Auth
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.CredentialsRequest  true  "Credentials"
// @Success     201   {object}  handlers.SessionResponse
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     403   {object}  handlers.ErrorResponse  "Setup already completed"
// @Router      /auth/setup [post]
func (h *Handlers) Setup(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	s, err := h.auth.Setup(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respond(c, err)
		return
	}
	h.startSession(c, http.StatusCreated, s)
}

// Login godoc
// @ID          login
// @Summary     Sign in
// @Tags        Auth
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.CredentialsRequest  true  "Credentials"
// @Success     200   {object}  handlers.SessionResponse
// @Failure     401   {object}  handlers.ErrorResponse
// @Router      /auth/login [post]
func (h *Handlers) Login(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	s, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respond(c, err)
		return
	}
	h.startSession(c, http.StatusOK, s)
}

// Logout godoc
// @ID          logout
// @Summary     Clear the session cookie
// @Tags        Auth
// @Success     204
// @Router      /auth/logout [post]
func (h *Handlers) Logout(c *gin.Context) {
	h.setSessionCookie(c, "", -1)
	noContent(c)
}

// Me godoc
// @ID          me
// @Summary     Current user
// @Tags        Auth
// @Produce     json
// @Success     200  {object}  domain.User
// @Failure     401  {object}  handlers.ErrorResponse
// @Router      /auth/me [get]
func (h *Handlers) Me(c *gin.Context) {
	u, err := h.auth.Me(c.Request.Context(), userID(c))
	if err != nil {
		respond(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}
