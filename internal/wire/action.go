package wire

import (
	"encoding/json"
	"fmt"
)

// ActionKind identifies the variant of a queued compliance action.
type ActionKind string

const (
	KindTimeEntry      ActionKind = "TIME_ENTRY"
	KindLocationUpdate ActionKind = "LOCATION_UPDATE"
	KindTaskCompletion ActionKind = "TASK_COMPLETION"
	KindOther          ActionKind = "OTHER"
)

// Priority convention used by callers. Higher drains first.
const (
	PriorityTimeEntry      = 10
	PriorityLocationUpdate = 5
	PriorityTaskCompletion = 1
	PriorityOther          = 0
)

// DefaultPriority returns the conventional priority for a kind.
func DefaultPriority(kind ActionKind) int {
	switch kind {
	case KindTimeEntry:
		return PriorityTimeEntry
	case KindLocationUpdate:
		return PriorityLocationUpdate
	case KindTaskCompletion:
		return PriorityTaskCompletion
	default:
		return PriorityOther
	}
}

// Action is a closed union of queued compliance actions.
// Only the four variants in this file implement it.
type Action interface {
	Kind() ActionKind
	sealedAction()
}

// TimeEntryAction carries a TimeEntry mutation.
type TimeEntryAction struct {
	Entry TimeEntry
}

func (TimeEntryAction) Kind() ActionKind { return KindTimeEntry }
func (TimeEntryAction) sealedAction()    {}

// LocationUpdateAction carries a position fix in microdegrees.
type LocationUpdateAction struct {
	UserID        string `json:"userId"`
	LatitudeE6    int64  `json:"latitudeE6"`
	LongitudeE6   int64  `json:"longitudeE6"`
	AccuracyM     int64  `json:"accuracyM"`
	UserTime      int64  `json:"userTime"`
	MonotonicTime int64  `json:"monotonicTime"`
}

func (LocationUpdateAction) Kind() ActionKind { return KindLocationUpdate }
func (LocationUpdateAction) sealedAction()    {}

// TaskCompletionAction records that a task finished.
type TaskCompletionAction struct {
	TaskID        string `json:"taskId"`
	UserID        string `json:"userId"`
	EntryID       string `json:"entryId"`
	CompletedAt   int64  `json:"completedAt"`
	EarningsCents int64  `json:"earningsCents"`
}

func (TaskCompletionAction) Kind() ActionKind { return KindTaskCompletion }
func (TaskCompletionAction) sealedAction()    {}

// OtherAction is the catch-all variant with string attributes.
type OtherAction struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (OtherAction) Kind() ActionKind { return KindOther }
func (OtherAction) sealedAction()    {}

// EncodeAction serializes an action payload for persistence.
func EncodeAction(a Action) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch v := a.(type) {
	case TimeEntryAction:
		data, err = json.Marshal(v.Entry)
	case LocationUpdateAction:
		data, err = json.Marshal(v)
	case TaskCompletionAction:
		data, err = json.Marshal(v)
	case OtherAction:
		data, err = json.Marshal(v)
	case nil:
		return nil, fmt.Errorf("encode action: nil action")
	default:
		return nil, fmt.Errorf("encode action: unknown action type %T", a)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Kind(), err)
	}
	return data, nil
}

// DecodeAction parses a persisted payload back into its variant.
func DecodeAction(kind ActionKind, data []byte) (Action, error) {
	switch kind {
	case KindTimeEntry:
		var e TimeEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return TimeEntryAction{Entry: e}, nil
	case KindLocationUpdate:
		var v LocationUpdateAction
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return v, nil
	case KindTaskCompletion:
		var v TaskCompletionAction
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return v, nil
	case KindOther:
		var v OtherAction
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("decode action: unknown kind %q", kind)
	}
}
