package models

// MembershipAction is the kind of group-membership change
type MembershipAction string

const (
	MembershipAdded   MembershipAction = "added"
	MembershipRemoved MembershipAction = "removed"
)

// MembershipChange is pushed when a user joins or leaves a group
type MembershipChange struct {
	GroupID   string           `json:"groupId"`
	GroupName string           `json:"groupName,omitempty"`
	UserID    string           `json:"userId"`
	Action    MembershipAction `json:"action"`
}

// Member is a roster entry used to resolve display names
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
