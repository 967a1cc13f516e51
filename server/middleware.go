package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	callerIDKey  contextKey = "caller_id"
)

const (
	requestIDHeader = "X-Request-ID"
	tokenCookie     = "token"
	userIDClaim     = "userId"
)

// RequestIDFrom returns the request id carried by ctx, if any
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// CallerIDFrom returns the authenticated caller id, or "" for no identity
func CallerIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(callerIDKey).(string)
	return id
}

// WithCallerID returns a copy of ctx carrying the caller id
func WithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerIDKey, callerID)
}

// requestID tags every request with an id, reusing a well-formed incoming one
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs one line per request and counts it by route pattern
func requestLogger(log *logrus.Entry, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.observeHTTP(route, status)

			entry := log.WithFields(logrus.Fields{
				"request_id": RequestIDFrom(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     status,
				"duration":   time.Since(start).String(),
			})
			if status >= http.StatusInternalServerError {
				entry.Error("request failed")
			} else {
				entry.Info("request served")
			}
		})
	}
}

// Authenticator resolves the caller identity from an HS256 JWT
type Authenticator struct {
	secret []byte
	log    *logrus.Entry
}

// NewAuthenticator creates an authenticator. With an empty secret every
// caller is unauthenticated.
func NewAuthenticator(secret string, log *logrus.Entry) *Authenticator {
	return &Authenticator{secret: []byte(secret), log: log}
}

// Middleware puts the caller id on the request context. Missing or invalid
// tokens resolve to no identity; routes that need one use requireIdentity.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" || len(a.secret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		callerID, err := a.callerID(raw)
		if err != nil {
			a.log.WithError(err).WithField("request_id", RequestIDFrom(r.Context())).Debug("ignoring invalid token")
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCallerID(r.Context(), callerID)))
	})
}

func (a *Authenticator) callerID(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", jwt.ErrTokenInvalidClaims
	}
	id, _ := claims[userIDClaim].(string)
	if id == "" {
		return "", jwt.ErrTokenRequiredClaimMissing
	}
	return id, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(tokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// requireIdentity rejects requests without a caller identity
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if CallerIDFrom(r.Context()) == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
