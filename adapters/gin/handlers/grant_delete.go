package handlers

import (
	"net/http"
	"strings"

	"github.com/PaulFidika/oidcflow/adapters/ginutil"
	core "github.com/PaulFidika/oidcflow/core"
	"github.com/gin-gonic/gin"
)

func HandleGrantDELETE(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLGrantCancel) {
			ginutil.TooMany(c)
			return
		}
		id := c.Param("id")
		if strings.TrimSpace(id) == "" {
			ginutil.BadRequest(c, "missing_session_id")
			return
		}
		if err := svc.CancelSession(id); err != nil {
			ginutil.NotFound(c, "session_not_found")
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
