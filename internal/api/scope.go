package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nerrad567/packflow/internal/auth"
)

// scopeMiddleware resolves the caller scope from the bearer token.
//
// A missing or unverifiable token leaves the request anonymous. Handlers
// decide whether an anonymous caller may proceed.
func (s *Server) scopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := auth.Scope{}

		token, err := auth.BearerToken(r)
		switch {
		case err == nil:
			claims, parseErr := auth.ParseToken(token, s.secCfg.JWT.Secret)
			if parseErr != nil {
				s.logger.Debug("bearer token rejected", "error", parseErr,
					"request_id", r.Context().Value(ctxKeyRequestID))
				break
			}
			scope = claims.Scope()
		case !errors.Is(err, auth.ErrTokenMissing):
			s.logger.Debug("authorization header rejected", "error", err)
		}

		if !scope.Anonymous() && scope.StartupID == "" {
			startup, resolveErr := s.resolveStartup(r.Context(), scope)
			if resolveErr != nil {
				s.logger.Error("resolving caller startup failed", "user_id", scope.UserID, "error", resolveErr)
				writeInternalError(w, "failed to resolve caller scope")
				return
			}
			scope.StartupID = startup
		}

		noteAccess(r.Context(), func(rec *accessRecord) {
			rec.userID, rec.startupID = scope.UserID, scope.StartupID
		})
		ctx := context.WithValue(r.Context(), ctxKeyScope, scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveStartup finds the startup for a scope that names none, through
// the organisation when the token carries one and the user's profile
// otherwise.
func (s *Server) resolveStartup(ctx context.Context, scope auth.Scope) (string, error) {
	if s.scopes == nil {
		return "", nil
	}
	if scope.OrgID != "" {
		id, err := s.scopes.StartupForOrg(ctx, scope.OrgID)
		if err != nil {
			return "", fmt.Errorf("startup for org: %w", err)
		}
		return id, nil
	}
	id, err := s.scopes.StartupForUser(ctx, scope.UserID)
	if err != nil {
		return "", fmt.Errorf("startup for user: %w", err)
	}
	return id, nil
}

// scopeFrom returns the scope stored by scopeMiddleware.
func scopeFrom(ctx context.Context) auth.Scope {
	scope, _ := ctx.Value(ctxKeyScope).(auth.Scope)
	return scope
}
