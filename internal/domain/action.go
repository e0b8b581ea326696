package domain

import "time"

// ActionKind is the closed set of actions the intent classifier can select.
type ActionKind string

const (
	ActionSave          ActionKind = "save_expense"
	ActionQueryCategory ActionKind = "get_expenses_by_category"
	ActionQueryDate     ActionKind = "get_expenses_by_date"
	ActionUnknown       ActionKind = "unknown"
)

// KindFromName maps a model-selected function name onto the closed action
// set. A name outside the set becomes ActionUnknown rather than an error.
func KindFromName(name string) ActionKind {
	switch name {
	case string(ActionSave):
		return ActionSave
	case string(ActionQueryCategory):
		return ActionQueryCategory
	case string(ActionQueryDate):
		return ActionQueryDate
	default:
		return ActionUnknown
	}
}

// Action is one classified inbound message. It is produced by exactly one
// classification step, consumed by exactly one dispatch branch, and never
// persisted.
type Action struct {
	Kind       ActionKind
	Args       map[string]any
	SenderID   string
	ReceivedAt time.Time
}
