package protocol

import (
	"encoding/json"
	"fmt"
)

// validServerTypes is the set of allowed server→client message types.
var validServerTypes = map[string]bool{
	TypeSessionUpdated:       true,
	TypeAttached:             true,
	TypeDetached:             true,
	TypeSessionActivity:      true,
	TypeStdinInjected:        true,
	TypeDeferredInputUpdated: true,
	TypeSessionsReordered:    true,
	TypeWorkspacesUpdated:    true,
	TypeSessionRemoved:       true,
	TypeSessionOutput:        true,
	TypeSessionExit:          true,
	TypeResponse:             true,
	TypeHistoryChunk:         true,
}

var validUpdateTypes = map[string]bool{
	UpdateCreated:     true,
	UpdateUpdated:     true,
	UpdateTerminated:  true,
	UpdateDeleted:     true,
	UpdateNoteUpdated: true,
	UpdateLinksAdded:  true,
}

// ValidateServerMessage validates a raw JSON frame from the server.
// Returns the parsed Message and any validation error.
func ValidateServerMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validServerTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionUpdated:
		var p SessionUpdatedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionData.ID == "" {
			return nil, fmt.Errorf("missing required field 'session_data.id' in %s payload", msg.Type)
		}
		if !validUpdateTypes[p.UpdateType] {
			return nil, fmt.Errorf("unknown update_type %q in %s payload", p.UpdateType, msg.Type)
		}

	case TypeAttached, TypeDetached, TypeStdinInjected, TypeSessionRemoved:
		if err := requireSessionID(msg); err != nil {
			return nil, err
		}

	case TypeSessionActivity:
		var p SessionActivityPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'session_id' in %s payload", msg.Type)
		}
		if p.ActivityState != ActivityActive && p.ActivityState != ActivityInactive {
			return nil, fmt.Errorf("unknown activity_state %q in %s payload", p.ActivityState, msg.Type)
		}

	case TypeDeferredInputUpdated:
		var p DeferredInputUpdatedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'session_id' in %s payload", msg.Type)
		}
		switch p.Action {
		case DeferredAdded:
			if p.Pending == nil || p.Pending.ID == "" {
				return nil, fmt.Errorf("missing required field 'pending' in %s payload", msg.Type)
			}
		case DeferredRemoved:
			if p.PendingID == "" {
				return nil, fmt.Errorf("missing required field 'pending_id' in %s payload", msg.Type)
			}
		case DeferredCleared:
		default:
			return nil, fmt.Errorf("unknown action %q in %s payload", p.Action, msg.Type)
		}

	case TypeSessionOutput, TypeSessionExit:
		if err := requireSessionID(msg); err != nil {
			return nil, err
		}

	case TypeResponse, TypeHistoryChunk:
		var p struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.RequestID == "" {
			return nil, fmt.Errorf("missing required field 'request_id' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

func requireSessionID(msg Message) error {
	var p SessionIDPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	if p.SessionID == "" {
		return fmt.Errorf("missing required field 'session_id' in %s payload", msg.Type)
	}
	return nil
}

// Decode unmarshals a message payload into v.
func Decode[T any](msg *Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return v, nil
}
