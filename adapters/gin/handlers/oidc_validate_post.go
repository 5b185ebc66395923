package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/PaulFidika/oidcflow/adapters/ginutil"
	core "github.com/PaulFidika/oidcflow/core"
	"github.com/gin-gonic/gin"
)

type validateRequest struct {
	Issuer  string `json:"issuer"`
	IDToken string `json:"id_token"`
	Nonce   string `json:"nonce"`
}

// HandleOIDCValidatePOST validates an ID token for a configured issuer. The
// outcome is returned with 200 whether or not the token is valid.
func HandleOIDCValidatePOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLOIDCValidate) {
			ginutil.TooMany(c)
			return
		}
		var body validateRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			ginutil.BadRequest(c, "invalid_request")
			return
		}
		if strings.TrimSpace(body.IDToken) == "" || body.Issuer == "" {
			ginutil.BadRequest(c, "missing_fields")
			return
		}
		out, err := svc.ValidateIDToken(c.Request.Context(), body.Issuer, strings.TrimSpace(body.IDToken), body.Nonce)
		if errors.Is(err, core.ErrUnknownIssuer) {
			ginutil.NotFound(c, "unknown_issuer")
			return
		}
		if err != nil {
			ginutil.ServerErr(c, "validation_failed")
			return
		}
		c.JSON(http.StatusOK, out)
	}
}
