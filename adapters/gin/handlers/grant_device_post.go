package handlers

import (
	"net/http"

	"github.com/PaulFidika/oidcflow/adapters/ginutil"
	core "github.com/PaulFidika/oidcflow/core"
	"github.com/gin-gonic/gin"
)

func HandleGrantDevicePOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLGrantStart) {
			ginutil.TooMany(c)
			return
		}
		var body struct {
			Issuer string `json:"issuer"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Issuer == "" {
			ginutil.BadRequest(c, "missing_issuer")
			return
		}
		g, err := svc.StartDevicePoll(c.Request.Context(), body.Issuer)
		if err != nil {
			grantError(c, err)
			return
		}
		da := g.Authorization
		resp := sessionView(g.Session)
		resp["user_code"] = da.UserCode
		resp["verification_uri"] = da.VerificationURI
		if da.VerificationURIComplete != "" {
			resp["verification_uri_complete"] = da.VerificationURIComplete
		}
		resp["expires_at"] = da.ExpiresAt
		c.JSON(http.StatusCreated, resp)
	}
}
