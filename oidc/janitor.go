package oidckit

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultJanitorSchedule runs eviction hourly.
const DefaultJanitorSchedule = "@every 1h"

// StartJanitor schedules EvictExpired on the given cron spec. Stop the
// returned scheduler when the cache is no longer needed.
func StartJanitor(cache *KeyMaterialCache, spec string, log logrus.FieldLogger) (*cron.Cron, error) {
	if spec == "" {
		spec = DefaultJanitorSchedule
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if n := cache.EvictExpired(context.Background()); n > 0 {
			log.WithField("evicted", n).Debug("evicted expired signing keys")
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
