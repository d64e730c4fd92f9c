// Package api assembles the REST routes of the chat service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"farmchat/pkg/api/handlers"
	"farmchat/pkg/auth"
)

// Handler builds the /v1 router. The caller wraps it with the auth
// middleware; the participant-token middleware is applied here so every
// handler can read the verified identity from the request context.
func Handler(d handlers.Deps) http.Handler {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	handlers.RegisterMessages(v1, d)
	handlers.RegisterConversations(v1, d)
	handlers.RegisterParticipants(v1, d)
	handlers.RegisterTokens(v1, d)
	handlers.RegisterAdmin(v1, d)

	return auth.RequireParticipantToken(r)
}
