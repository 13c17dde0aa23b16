package broadcast

import "context"

// Notifier publishes domain change hints on their conventional topics. It
// satisfies the mutation service's Notifier dependency.
type Notifier struct {
	pub Publisher
}

func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

// TaskChanged signals that a task in the project was created, updated or
// deleted and viewers should refetch.
func (n *Notifier) TaskChanged(ctx context.Context, projectID, taskID int64, action string) {
	n.pub.Publish(ctx, TasksTopic(projectID), EventTaskChanged, TaskChangedPayload{
		ProjectID: projectID,
		TaskID:    taskID,
		Action:    action,
	})
}

// ProjectUpdated signals that the project aggregate changed.
func (n *Notifier) ProjectUpdated(ctx context.Context, projectID int64) {
	n.pub.Publish(ctx, ProjectTopic(projectID), EventProjectUpdated, map[string]int64{"projectId": projectID})
}

// MemberChanged signals that the project's membership changed.
func (n *Notifier) MemberChanged(ctx context.Context, projectID, userID int64, action string) {
	n.pub.Publish(ctx, MembersTopic(projectID), EventMemberChanged, MemberChangedPayload{
		ProjectID: projectID,
		UserID:    userID,
		Action:    action,
	})
}

// InvitationChanged signals an invitation event to a single user.
func (n *Notifier) InvitationChanged(ctx context.Context, userID, invitationID int64, action string) {
	n.pub.Publish(ctx, InvitationsTopic(userID), EventInvitationChanged, InvitationChangedPayload{
		UserID:       userID,
		InvitationID: invitationID,
		Action:       action,
	})
}
