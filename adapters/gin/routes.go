// Package authgin exposes the oidcflow service over gin.
//
//	r := gin.New()
//	authgin.Register(r, svc, limiter, logrus.StandardLogger())
package authgin

import (
	"time"

	"github.com/PaulFidika/oidcflow/adapters/gin/handlers"
	"github.com/PaulFidika/oidcflow/adapters/ginutil"
	authhttp "github.com/PaulFidika/oidcflow/adapters/http"
	core "github.com/PaulFidika/oidcflow/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Register mounts the validation and grant routes on r. rl may be nil.
func Register(r gin.IRouter, svc *core.Service, rl ginutil.RateLimiter, log logrus.FieldLogger) {
	if log != nil {
		r.Use(RequestLogger(log))
	}
	r.POST("/oidc/validate", handlers.HandleOIDCValidatePOST(svc, rl))
	r.GET("/.well-known/jwks.json", gin.WrapH(authhttp.JWKSHandler(svc.RequestSigningKeys())))

	g := r.Group("/grants")
	g.POST("/device", handlers.HandleGrantDevicePOST(svc, rl))
	g.POST("/ciba", handlers.HandleGrantCIBAPOST(svc, rl))
	g.POST("/ciba/redeem", handlers.HandleGrantCIBARedeemPOST(svc, rl))
	g.GET("/:id", handlers.HandleGrantGET(svc, rl))
	g.DELETE("/:id", handlers.HandleGrantDELETE(svc, rl))
}

// RequestLogger logs one line per request. Request bodies are never logged.
func RequestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"route":   c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("request")
	}
}
