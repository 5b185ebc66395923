package handlers

import (
	"net/http"
	"strings"

	"github.com/PaulFidika/oidcflow/adapters/ginutil"
	core "github.com/PaulFidika/oidcflow/core"
	"github.com/PaulFidika/oidcflow/grant"
	"github.com/gin-gonic/gin"
)

type cibaRequest struct {
	Issuer                  string `json:"issuer"`
	Scope                   string `json:"scope"`
	LoginHint               string `json:"login_hint"`
	IDTokenHint             string `json:"id_token_hint"`
	LoginHintToken          string `json:"login_hint_token"`
	BindingMessage          string `json:"binding_message"`
	UserCode                string `json:"user_code"`
	ACRValues               string `json:"acr_values"`
	RequestedExpiry         int    `json:"requested_expiry"`
	ClientNotificationToken string `json:"client_notification_token"`
}

func (r cibaRequest) toGrant() grant.CIBARequest {
	return grant.CIBARequest{
		Scopes:                  strings.Fields(r.Scope),
		LoginHint:               r.LoginHint,
		IDTokenHint:             r.IDTokenHint,
		LoginHintToken:          r.LoginHintToken,
		BindingMessage:          r.BindingMessage,
		UserCode:                r.UserCode,
		ACRValues:               strings.Fields(r.ACRValues),
		RequestedExpiry:         r.RequestedExpiry,
		ClientNotificationToken: r.ClientNotificationToken,
	}
}

// HandleGrantCIBAPOST starts a backchannel authentication. Poll mode returns
// a session; ping and push return the auth_req_id for later redemption.
func HandleGrantCIBAPOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLGrantStart) {
			ginutil.TooMany(c)
			return
		}
		var body cibaRequest
		if err := c.ShouldBindJSON(&body); err != nil || body.Issuer == "" {
			ginutil.BadRequest(c, "missing_issuer")
			return
		}
		g, err := svc.StartCIBAPoll(c.Request.Context(), body.Issuer, body.toGrant())
		if err != nil {
			grantError(c, err)
			return
		}
		in := g.Initiation
		var resp gin.H
		if g.Session != nil {
			resp = sessionView(g.Session)
		} else {
			resp = gin.H{"auth_req_id": in.AuthReqID}
		}
		resp["mode"] = in.Mode
		resp["expires_at"] = in.ExpiresAt
		c.JSON(http.StatusCreated, resp)
	}
}

// HandleGrantCIBARedeemPOST performs the token request after a ping
// notification.
func HandleGrantCIBARedeemPOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLGrantRedeem) {
			ginutil.TooMany(c)
			return
		}
		var body struct {
			Issuer    string `json:"issuer"`
			AuthReqID string `json:"auth_req_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Issuer == "" || body.AuthReqID == "" {
			ginutil.BadRequest(c, "missing_fields")
			return
		}
		st, err := svc.RedeemCIBA(c.Request.Context(), body.Issuer, body.AuthReqID)
		if err != nil {
			grantError(c, err)
			return
		}
		c.JSON(http.StatusOK, stateView(st))
	}
}
