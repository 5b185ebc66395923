package handlers

import (
	"net/http"

	"github.com/PaulFidika/oidcflow/adapters/ginutil"
	core "github.com/PaulFidika/oidcflow/core"
	"github.com/gin-gonic/gin"
)

func HandleGrantGET(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLGrantRead) {
			ginutil.TooMany(c)
			return
		}
		s, err := svc.Session(c.Param("id"))
		if err != nil {
			ginutil.NotFound(c, "session_not_found")
			return
		}
		c.JSON(http.StatusOK, sessionView(s))
	}
}
