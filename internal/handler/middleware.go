package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// Session headers honoured when authentication is skipped, and on gRPC
// metadata.
const (
	HeaderUserID         = "X-User-ID"
	HeaderOrganizationID = "X-Organization-ID"
)

type actorKey struct{}

// WithActor stores the session identity in ctx.
func WithActor(ctx context.Context, actor service.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the session identity stored by the auth middleware. An
// empty Actor is rejected by every service call.
func ActorFrom(ctx context.Context) service.Actor {
	actor, _ := ctx.Value(actorKey{}).(service.Actor)
	return actor
}

// AuthConfig selects how sessions are established.
type AuthConfig struct {
	JWTSecret string
	// SkipAuth trusts the session headers instead of a bearer token.
	SkipAuth bool
}

// Claims are the bearer token claims carrying the session.
type Claims struct {
	UserID         string `json:"uid"`
	OrganizationID string `json:"org_id"`
	jwt.RegisteredClaims
}

// Authenticate validates the bearer token (HS256) and stores the session.
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.SkipAuth {
				actor := service.Actor{
					UserID:         r.Header.Get(HeaderUserID),
					OrganizationID: r.Header.Get(HeaderOrganizationID),
				}
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, errors.New(errors.ErrCodeUnauthorized, "authorization header required"))
				return
			}

			actor, err := ParseToken(token, cfg.JWTSecret)
			if err != nil {
				writeError(w, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// ParseToken verifies an HS256 token and returns its session.
func ParseToken(token, secret string) (service.Actor, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return service.Actor{}, err
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" || claims.OrganizationID == "" {
		return service.Actor{}, errors.New(errors.ErrCodeUnauthorized, "token has no user or organization")
	}
	return service.Actor{UserID: userID, OrganizationID: claims.OrganizationID}, nil
}

// AccessLog logs one line per request. 5xx responses log at Error, 4xx at
// Warn.
func AccessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := log.Info()
			switch {
			case status >= 500:
				event = log.Error()
			case status >= 400:
				event = log.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
		})
	}
}
