package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"fabchat/database"
	"fabchat/logger"
	"fabchat/middleware"
	"fabchat/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type createGroupRequest struct {
	Name        string          `json:"name"`
	CreatorName string          `json:"creatorName"`
	Members     []models.Member `json:"members"`
}

type addMemberRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// Groups serves the group REST endpoints
type Groups struct {
	db  *database.DB
	hub *Hub
	log *logger.Logger
}

func NewGroups(db *database.DB, hub *Hub, log *logger.Logger) *Groups {
	return &Groups{db: db, hub: hub, log: logger.Or(log).With("component", "groups")}
}

// GetGroups returns the groups of the current user, most recent first
func (g *Groups) GetGroups(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	userID := middleware.GetUserFromContext(r)

	groups, err := g.db.ListGroups(userID)
	if err != nil {
		g.log.Error("failed to list groups", "user", userID, "error", err)
		http.Error(w, `{"error": "Failed to get groups"}`, http.StatusInternalServerError)
		return
	}

	if groups == nil {
		groups = []models.ConversationEntry{}
	}

	json.NewEncoder(w).Encode(groups)
}

// GetMessages returns one newest-first page of a group's messages
func (g *Groups) GetMessages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	userID := middleware.GetUserFromContext(r)
	groupID := mux.Vars(r)["groupId"]

	if !g.requireMember(w, groupID, userID) {
		return
	}

	// Get pagination params
	limit := defaultPageSize
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxPageSize {
			limit = parsed
		}
	}
	before := r.URL.Query().Get("before")

	messages, err := g.db.GetMessages(groupID, before, limit)
	if err != nil {
		g.log.Error("failed to get messages", "group", groupID, "error", err)
		http.Error(w, `{"error": "Failed to get messages"}`, http.StatusInternalServerError)
		return
	}

	if messages == nil {
		messages = []models.HistoryRecord{}
	}

	json.NewEncoder(w).Encode(messages)
}

// CreateGroup creates a group with the caller as first member and tells
// every member about it
func (g *Groups) CreateGroup(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	userID := middleware.GetUserFromContext(r)

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, `{"error": "Group name is required"}`, http.StatusBadRequest)
		return
	}

	members := []models.Member{{ID: userID, Name: req.CreatorName}}
	for _, m := range req.Members {
		if m.ID != "" && m.ID != userID {
			members = append(members, m)
		}
	}

	group, err := g.db.CreateGroup(req.Name, members)
	if err != nil {
		g.log.Error("failed to create group", "error", err)
		http.Error(w, `{"error": "Failed to create group"}`, http.StatusInternalServerError)
		return
	}

	for _, m := range members {
		g.hub.BroadcastMessage(m.ID, models.EventGroupMembership, models.MembershipChange{
			GroupID:   group.ID,
			GroupName: group.Name,
			UserID:    m.ID,
			Action:    models.MembershipAdded,
		})
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(group)
}

// AddMember adds a user to a group the caller belongs to
func (g *Groups) AddMember(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	userID := middleware.GetUserFromContext(r)
	groupID := mux.Vars(r)["groupId"]

	group, ok := g.memberGroup(w, groupID, userID)
	if !ok {
		return
	}

	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := g.db.AddMember(groupID, models.Member{ID: req.UserID, Name: req.Name}); err != nil {
		g.log.Error("failed to add member", "group", groupID, "error", err)
		http.Error(w, `{"error": "Failed to add member"}`, http.StatusInternalServerError)
		return
	}

	g.notifyMembers(group, req.UserID, models.MembershipAdded)
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// RemoveMember removes a user from a group. The removed user is told too.
func (g *Groups) RemoveMember(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	userID := middleware.GetUserFromContext(r)
	vars := mux.Vars(r)
	groupID, target := vars["groupId"], vars["userId"]

	group, ok := g.memberGroup(w, groupID, userID)
	if !ok {
		return
	}

	if err := g.db.RemoveMember(groupID, target); err != nil {
		g.log.Error("failed to remove member", "group", groupID, "error", err)
		http.Error(w, `{"error": "Failed to remove member"}`, http.StatusInternalServerError)
		return
	}

	g.notifyMembers(group, target, models.MembershipRemoved)
	g.hub.BroadcastMessage(target, models.EventGroupMembership, models.MembershipChange{
		GroupID: group.ID, GroupName: group.Name, UserID: target, Action: models.MembershipRemoved,
	})
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (g *Groups) notifyMembers(group *models.Conversation, userID string, action models.MembershipAction) {
	members, err := g.db.GroupMembers(group.ID)
	if err != nil {
		g.log.Error("failed to list members", "group", group.ID, "error", err)
		return
	}
	for _, m := range members {
		g.hub.BroadcastMessage(m.ID, models.EventGroupMembership, models.MembershipChange{
			GroupID: group.ID, GroupName: group.Name, UserID: userID, Action: action,
		})
	}
}

func (g *Groups) memberGroup(w http.ResponseWriter, groupID, userID string) (*models.Conversation, bool) {
	group, err := g.db.GetGroup(groupID)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, `{"error": "Group not found"}`, http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		g.log.Error("failed to get group", "group", groupID, "error", err)
		http.Error(w, `{"error": "Failed to get group"}`, http.StatusInternalServerError)
		return nil, false
	}
	if !g.requireMember(w, groupID, userID) {
		return nil, false
	}
	return group, true
}

func (g *Groups) requireMember(w http.ResponseWriter, groupID, userID string) bool {
	ok, err := g.db.IsMember(groupID, userID)
	if err != nil {
		g.log.Error("membership check failed", "group", groupID, "error", err)
		http.Error(w, `{"error": "Failed to check membership"}`, http.StatusInternalServerError)
		return false
	}
	if !ok {
		http.Error(w, `{"error": "Not a member of this group"}`, http.StatusForbidden)
		return false
	}
	return true
}
