package core

import (
	"context"
	"time"

	"github.com/PaulFidika/oidcflow/grant"
	oidckit "github.com/PaulFidika/oidcflow/oidc"
	"github.com/sirupsen/logrus"
)

// GrantEvent records how a grant session ended.
type GrantEvent struct {
	Issuer    string
	Kind      string
	SessionID string
	Status    grant.Status
	Code      string
	Cancelled bool
	Duration  time.Duration
}

// ValidationEvent records one ID-token validation. It never carries the token.
type ValidationEvent struct {
	Issuer string
	KeyID  string
	Valid  bool
	Errors []oidckit.ErrorCode
}

// EventLogger records grant outcomes and validations to an external sink.
// Implementations should be non-blocking and best-effort.
type EventLogger interface {
	LogGrant(ctx context.Context, ev GrantEvent) error
	LogValidation(ctx context.Context, ev ValidationEvent) error
}

// LogrusEvents writes events as structured log lines.
type LogrusEvents struct {
	Log logrus.FieldLogger
}

func (l LogrusEvents) LogGrant(_ context.Context, ev GrantEvent) error {
	l.Log.WithFields(logrus.Fields{
		"issuer":     ev.Issuer,
		"kind":       ev.Kind,
		"session_id": ev.SessionID,
		"status":     ev.Status,
		"code":       ev.Code,
		"cancelled":  ev.Cancelled,
		"duration":   ev.Duration,
	}).Info("grant finished")
	return nil
}

func (l LogrusEvents) LogValidation(_ context.Context, ev ValidationEvent) error {
	l.Log.WithFields(logrus.Fields{
		"issuer": ev.Issuer,
		"kid":    ev.KeyID,
		"valid":  ev.Valid,
		"errors": ev.Errors,
	}).Info("id token validated")
	return nil
}

// watch reports the session's outcome once its loop exits.
func (s *Service) watch(issuer string, sess *grant.Session[Tokens]) {
	if s.events == nil {
		return
	}
	go func() {
		<-sess.Done()
		st := sess.State()
		ev := GrantEvent{
			Issuer:    issuer,
			Kind:      sess.Kind(),
			SessionID: sess.ID(),
			Status:    st.Status,
			Code:      st.Code,
			Cancelled: sess.Cancelled(),
			Duration:  time.Since(sess.CreatedAt()),
		}
		if err := s.events.LogGrant(context.Background(), ev); err != nil {
			s.log.WithError(err).Warn("event logger failed")
		}
	}()
}

func (s *Service) logValidation(ctx context.Context, issuer string, out *oidckit.ValidationOutcome) {
	if s.events == nil {
		return
	}
	ev := ValidationEvent{Issuer: issuer, KeyID: out.KeyID, Valid: out.Valid}
	for _, e := range out.Errors {
		ev.Errors = append(ev.Errors, e.Code)
	}
	if err := s.events.LogValidation(ctx, ev); err != nil {
		s.log.WithError(err).Warn("event logger failed")
	}
}
