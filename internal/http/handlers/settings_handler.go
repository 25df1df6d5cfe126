// Settings and catalog HTTP handlers.
//
//   - GET /settings/api-keys   (which providers have a key; never the keys)
//   - PUT /settings/api-keys   (store or clear keys, one entry per provider)
//   - GET /models              (supported models and reasoning levels)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/treebot/internal/attachments"
	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/llm"
	"github.com/tbourn/treebot/internal/services"
)

// APIKeysResponse lists key status per provider.
type APIKeysResponse struct {
	Keys []services.KeyStatus `json:"keys"`
}

// ModelsResponse is the model catalog plus each provider's upload allowlist.
type ModelsResponse struct {
	Models []llm.Model                `json:"models"`
	Accept map[domain.Provider]string `json:"accept"`
}

// ListAPIKeys godoc
// @ID          listApiKeys
// @Summary     Show which providers have an API key
// @Tags        Settings
// @Produce     json
// @Success     200  {object}  handlers.APIKeysResponse
// @Router      /settings/api-keys [get]
func (h *Handlers) ListAPIKeys(c *gin.Context) {
	keys, err := h.creds.List(c.Request.Context(), userID(c))
	if err != nil {
		respond(c, err)
		return
	}
	ok(c, http.StatusOK, APIKeysResponse{Keys: keys})
}

// PutAPIKeys godoc
// @ID          putApiKeys
// @Summary     Store or clear provider API keys
// @Description Body maps provider to key, e.g. {"openai":"sk-..."}. An empty string clears that provider's key; absent providers are left alone.
// @Tags        Settings
// @Accept      json
// @Produce     json
// @Param       body  body      map[string]string  true  "Keys by provider"
// @Success     200   {object}  handlers.APIKeysResponse
// @Failure     400   {object}  handlers.ErrorResponse
// @Router      /settings/api-keys [put]
func (h *Handlers) PutAPIKeys(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if len(req) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "enter at least one API key")
		return
	}
	// Validate everything before writing anything.
	for p := range req {
		if !domain.Provider(strings.ToLower(p)).Valid() {
			respond(c, services.ErrInvalidProvider)
			return
		}
	}

	ctx := c.Request.Context()
	uid := userID(c)
	for p, key := range req {
		if err := h.creds.Set(ctx, uid, domain.Provider(strings.ToLower(p)), key); err != nil {
			respond(c, err)
			return
		}
	}
	h.ListAPIKeys(c)
}

// ListModels godoc
// @ID          listModels
// @Summary     Supported models
// @Tags        Settings
// @Produce     json
// @Success     200  {object}  handlers.ModelsResponse
// @Router      /models [get]
func (h *Handlers) ListModels(c *gin.Context) {
	accept := make(map[domain.Provider]string, len(domain.Providers))
	for _, p := range domain.Providers {
		accept[p] = attachments.PolicyFor(p).Accept()
	}
	ok(c, http.StatusOK, ModelsResponse{Models: llm.Models(), Accept: accept})
}
