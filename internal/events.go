package internal

import (
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	EventActiveUsersUpdate = "active_users_update"
	EventUserLogin         = "user_login"
	EventUserActivity      = "user_activity"
)

// Envelope is the JSON frame exchanged over the live connection in both directions.
type Envelope struct {
	Event string              `json:"event"`
	Data  jsoniter.RawMessage `json:"data,omitempty"`
}

// LoginEvent is sent by a client once it knows which user it represents.
type LoginEvent struct {
	UserID   UserID         `json:"user_id"`
	UserInfo map[string]any `json:"user_info"`
}

// ActivityEvent is the lightweight heartbeat that keeps a record fresh.
type ActivityEvent struct {
	UserID UserID `json:"user_id"`
}

// UserID accepts either a JSON string or a JSON number, since the web
// application posts numeric primary keys as often as strings.
type UserID string

func (id *UserID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	switch {
	case raw == "null" || raw == "":
		*id = ""
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = UserID(strings.TrimSpace(s))
	default:
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			return err
		}
		*id = UserID(raw)
	}
	return nil
}

func encodeEvent(event string, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: body})
}
