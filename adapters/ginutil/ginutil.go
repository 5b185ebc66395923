// Package ginutil holds response and rate-limit helpers shared by the gin handlers.
package ginutil

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Rate-limit buckets used by the handlers.
const (
	RLOIDCValidate = "oidc_validate"
	RLGrantStart   = "grant_start"
	RLGrantRead    = "grant_read"
	RLGrantCancel  = "grant_cancel"
	RLGrantRedeem  = "grant_redeem"
)

// RateLimiter is satisfied by ratelimit/memory and ratelimit/redis.
type RateLimiter interface {
	AllowNamed(bucket, key string) (bool, error)
}

// AllowNamed checks the bucket for the caller's IP. A nil limiter allows
// everything; limiter errors fail open.
func AllowNamed(c *gin.Context, rl RateLimiter, bucket string) bool {
	if rl == nil {
		return true
	}
	ok, err := rl.AllowNamed(bucket, c.ClientIP())
	if err != nil {
		logrus.WithError(err).WithField("bucket", bucket).Warn("rate limiter failed")
		return true
	}
	return ok
}

func TooMany(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
}

func BadRequest(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": code})
}

func NotFound(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": code})
}

func ServerErr(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": code})
}

// Upstream reports a protocol error returned by the authorization server.
func Upstream(c *gin.Context, code, description string) {
	body := gin.H{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	c.AbortWithStatusJSON(http.StatusBadGateway, body)
}
