package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"fabchat/middleware"
)

// NewRouter mounts the relay endpoints. Every route resolves the caller
// through middleware.Identity.
func NewRouter(groups *Groups, hub *Hub) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Identity)

	r.HandleFunc("/ws", hub.HandleWebSocket)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/groups", groups.GetGroups).Methods(http.MethodGet)
	api.HandleFunc("/groups", groups.CreateGroup).Methods(http.MethodPost)
	api.HandleFunc("/groups/{groupId}/messages", groups.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/groups/{groupId}/members", groups.AddMember).Methods(http.MethodPost)
	api.HandleFunc("/groups/{groupId}/members/{userId}", groups.RemoveMember).Methods(http.MethodDelete)

	return r
}
