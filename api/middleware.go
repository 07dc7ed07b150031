/*
middleware.go - actor identity extraction

PURPOSE:
  Authentication lives outside this service (a gateway terminates the
  session and forwards verified identity headers). This middleware only
  parses those headers into a typed Actor and rejects malformed roles
  before any handler runs.

HEADERS:
  X-Actor-Id:    opaque user id (required on /api routes except health
                 and book search)
  X-Actor-Role:  student | teacher | admin
*/
package api

import (
	"context"
	"net/http"

	"github.com/sprout/reading-tree/readinglog"
)

type contextKey string

const actorKey contextKey = "actor"

// RequireActor parses the identity headers into an Actor and stores it
// on the request context. Requests without a valid identity get 401.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Actor-Id")
		if id == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Actor-Id header", "")
			return
		}

		role, err := readinglog.ParseRole(r.Header.Get("X-Actor-Role"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid X-Actor-Role header", err.Error())
			return
		}

		actor := readinglog.Actor{ID: readinglog.UserID(id), Role: role}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

// actorFrom returns the Actor stored by RequireActor. Handlers behind
// the middleware can rely on it being present.
func actorFrom(r *http.Request) readinglog.Actor {
	actor, _ := r.Context().Value(actorKey).(readinglog.Actor)
	return actor
}
