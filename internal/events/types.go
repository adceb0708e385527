// Package events defines the subjects and payload types flowing over
// the Gantry event bus.
package events

import "strconv"

// Event types for tasks. Every task event is published on its own
// subject (type + "." + task id) so observers can subscribe narrowly.
const (
	TaskState    = "task.state"    // status transition
	TaskOutput   = "task.output"   // one parsed agent event
	TaskComplete = "task.complete" // terminal result
)

// Event types for chat sessions.
const (
	ChatOutput = "chat.output"
)

// BuildTaskStateSubject creates a state subject for a specific task.
func BuildTaskStateSubject(taskID int64) string {
	return TaskState + "." + strconv.FormatInt(taskID, 10)
}

// BuildTaskOutputSubject creates an output subject for a specific task.
func BuildTaskOutputSubject(taskID int64) string {
	return TaskOutput + "." + strconv.FormatInt(taskID, 10)
}

// BuildTaskCompleteSubject creates a completion subject for a specific task.
func BuildTaskCompleteSubject(taskID int64) string {
	return TaskComplete + "." + strconv.FormatInt(taskID, 10)
}

// BuildTaskCompleteWildcardSubject matches completion events for all tasks.
func BuildTaskCompleteWildcardSubject() string {
	return TaskComplete + ".*"
}

// BuildTaskWildcardSubject matches every task event of every type.
func BuildTaskWildcardSubject() string {
	return "task.>"
}

// BuildChatOutputSubject creates a chat output subject for a session.
func BuildChatOutputSubject(sessionID string) string {
	return ChatOutput + "." + sessionID
}

// BuildChatWildcardSubject matches chat output for all sessions.
func BuildChatWildcardSubject() string {
	return ChatOutput + ".*"
}
