package collab

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

const (
	TypeCursorUpdate = "cursor-update"
	TypeUserJoined   = "user-joined"
	TypeUserLeft     = "user-left"
	TypeActiveUsers  = "active-users"
)

type SelectionRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Presence is the cursor state last reported by a connection.
type Presence struct {
	CursorPosition int             `json:"cursorPosition"`
	SelectionRange *SelectionRange `json:"selectionRange"`
}

type ActiveUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type activeUsersMessage struct {
	Type  string       `json:"type"`
	Users []ActiveUser `json:"users"`
}

type membershipMessage struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type cursorMessage struct {
	Type           string          `json:"type"`
	UserID         string          `json:"userId"`
	UserName       string          `json:"userName"`
	CursorPosition int             `json:"cursorPosition"`
	SelectionRange *SelectionRange `json:"selectionRange"`
}

// parsePresence reports whether data is a well-formed cursor-update envelope.
// Anything else, including JSON that merely resembles one, belongs to the edit
// protocol.
func parsePresence(data []byte) (Presence, bool) {
	if !gjson.ValidBytes(data) {
		return Presence{}, false
	}
	envelope := gjson.ParseBytes(data)
	if !envelope.IsObject() || envelope.Get("type").String() != TypeCursorUpdate {
		return Presence{}, false
	}
	cursor := envelope.Get("cursorPosition")
	if cursor.Type != gjson.Number || cursor.Float() != float64(cursor.Int()) || cursor.Int() < 0 {
		return Presence{}, false
	}
	selection := envelope.Get("selectionRange")
	switch {
	case !selection.Exists(), selection.Type == gjson.Null:
	case selection.IsObject():
		start, end := selection.Get("start"), selection.Get("end")
		if start.Type != gjson.Number || end.Type != gjson.Number {
			return Presence{}, false
		}
	default:
		return Presence{}, false
	}

	var presence Presence
	if err := json.Unmarshal(data, &presence); err != nil {
		return Presence{}, false
	}
	return presence, true
}

func encodeMessage(message any) []byte {
	payload, _ := json.Marshal(message)
	return payload
}

func activeUsersFrame(peers []Principal) []byte {
	users := make([]ActiveUser, 0, len(peers))
	for _, peer := range peers {
		users = append(users, ActiveUser{UserID: peer.UserID, UserName: peer.DisplayName})
	}
	return encodeMessage(activeUsersMessage{Type: TypeActiveUsers, Users: users})
}

func membershipFrame(kind string, principal Principal) []byte {
	return encodeMessage(membershipMessage{Type: kind, UserID: principal.UserID, UserName: principal.DisplayName})
}

func cursorFrame(principal Principal, presence Presence) []byte {
	return encodeMessage(cursorMessage{
		Type:           TypeCursorUpdate,
		UserID:         principal.UserID,
		UserName:       principal.DisplayName,
		CursorPosition: presence.CursorPosition,
		SelectionRange: presence.SelectionRange,
	})
}
