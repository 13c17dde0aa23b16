package broadcast

import "strconv"

// Event names carried on the wire.
const (
	EventTaskChanged       = "task_changed"
	EventProjectUpdated    = "project_updated"
	EventMemberChanged     = "member_changed"
	EventInvitationChanged = "invitation_changed"
)

// TasksTopic scopes task change hints to a single project's board.
func TasksTopic(projectID int64) string {
	return "tasks:" + strconv.FormatInt(projectID, 10)
}

// ProjectTopic scopes project aggregate updates.
func ProjectTopic(projectID int64) string {
	return "project:" + strconv.FormatInt(projectID, 10)
}

// MembersTopic scopes membership changes.
func MembersTopic(projectID int64) string {
	return "members:" + strconv.FormatInt(projectID, 10)
}

// InvitationsTopic scopes invitation notices to a single user.
func InvitationsTopic(userID int64) string {
	return "invitations:" + strconv.FormatInt(userID, 10)
}

// TaskChangedPayload is the hint payload for task_changed events. Receivers
// must treat it as a "something changed, go refetch" signal only; the
// authoritative state is always re-derived from storage.
type TaskChangedPayload struct {
	ProjectID int64  `json:"projectId"`
	TaskID    int64  `json:"taskId"`
	Action    string `json:"action"`
}

// MemberChangedPayload is the hint payload for member_changed events.
type MemberChangedPayload struct {
	ProjectID int64  `json:"projectId"`
	UserID    int64  `json:"userId"`
	Action    string `json:"action"`
}

// InvitationChangedPayload is the hint payload for invitation_changed events.
type InvitationChangedPayload struct {
	UserID       int64  `json:"userId"`
	InvitationID int64  `json:"invitationId"`
	Action       string `json:"action"`
}
