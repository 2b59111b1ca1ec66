package bus

// Pipeline event topics.
const (
	TopicMessageIngested  = "message.ingested"
	TopicMessageLabeled   = "message.labeled"
	TopicDangerChanged    = "message.danger_changed"
	TopicUserNotified     = "dispatch.user_notified"
	TopicRelativeNotified = "dispatch.relative_notified"
	TopicUserBlocked      = "user.blocked"
	TopicRetentionSwept   = "retention.swept"
	TopicPrefsChanged     = "prefs.changed"
)

// MessageIngestedEvent is published when a new message row is persisted.
type MessageIngestedEvent struct {
	MessageID int64  // Deterministic message id
	Source    string // Originating messenger source
	SenderID  int64  // Resolved sender user id
	ChatID    int64  // Chat the message belongs to
}

// MessageLabeledEvent is published after an aggregation pass commits.
type MessageLabeledEvent struct {
	MessageID int64    // Triggering message id
	SenderID  int64    // Sender user id
	ChatID    int64    // Chat id
	Source    string   // Originating messenger source
	Field     string   // Content field whose analysis completed
	Labels    []string // Labels applied to the triggering message
	Siblings  int      // Number of sibling messages touched
}

// DangerChangedEvent is published for every message whose danger level
// rose during aggregation or was set by manual override.
type DangerChangedEvent struct {
	MessageID int64  // Message id
	SenderID  int64  // Sender user id
	Source    string // Originating messenger source
	OldLevel  string // Previous danger level, "" when previously unset
	NewLevel  string // New danger level
	Label     string // Highest-severity label behind the change, if known
}

// NotificationEvent is published when a dispatch track fires.
type NotificationEvent struct {
	MessageID int64  // Message id
	SenderID  int64  // Sender user id
	Source    string // Originating messenger source
	Track     string // "user" or "relative"
	Level     string // Danger level at dispatch time
}

// UserBlockedEvent is published when auto-block trips on a sender.
type UserBlockedEvent struct {
	UserID    int64  // Blocked user id
	Source    string // Originating messenger source
	MessageID int64  // Message that triggered the block
	Label     string // Label that triggered the block
}

// RetentionSweptEvent is published after a retention sweep commits.
type RetentionSweptEvent struct {
	PurgedMessages int64 // Message rows deleted
	PurgedUsers    int64 // Orphan user rows deleted
	PurgedChats    int64 // Orphan chat rows deleted
}

// PrefsChangedEvent is published when a reactive setting flips.
type PrefsChangedEvent struct {
	Key   string // Setting key
	Value bool   // New value
}
