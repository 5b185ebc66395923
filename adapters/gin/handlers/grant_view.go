package handlers

import (
	"errors"
	"net/http"

	"github.com/PaulFidika/oidcflow/adapters/ginutil"
	core "github.com/PaulFidika/oidcflow/core"
	"github.com/PaulFidika/oidcflow/grant"
	"github.com/gin-gonic/gin"
)

func stateView(st grant.State[core.Tokens]) gin.H {
	v := gin.H{"status": st.Status}
	switch st.Status {
	case grant.StatusPending:
		v["interval_seconds"] = int(st.Interval.Seconds())
	case grant.StatusApproved:
		v["tokens"] = st.Tokens
	case grant.StatusDenied:
		v["reason"] = st.Reason
	case grant.StatusError:
		v["code"] = st.Code
		if st.Description != "" {
			v["description"] = st.Description
		}
	}
	return v
}

func sessionView(s *grant.Session[core.Tokens]) gin.H {
	return gin.H{
		"session_id": s.ID(),
		"kind":       s.Kind(),
		"created_at": s.CreatedAt(),
		"cancelled":  s.Cancelled(),
		"state":      stateView(s.State()),
	}
}

// grantError maps grant start failures to responses.
func grantError(c *gin.Context, err error) {
	var ie *grant.InitiationError
	var pe *grant.ProtocolError
	switch {
	case errors.As(err, &ie):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_initiation", "fields": ie.Fields})
	case errors.As(err, &pe):
		ginutil.Upstream(c, pe.Code, pe.Description)
	case errors.Is(err, core.ErrUnknownIssuer):
		ginutil.NotFound(c, "unknown_issuer")
	case errors.Is(err, core.ErrGrantUnsupported):
		ginutil.BadRequest(c, "grant_unsupported")
	default:
		ginutil.ServerErr(c, "grant_failed")
	}
}
