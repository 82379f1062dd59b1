package db

import "encoding/json"

// Les champs WebRTC sont stockés en TEXT : NULL quand absents, JSON brut sinon.

func rawJSON(s *string) json.RawMessage {
	if s == nil || *s == "" {
		return nil
	}
	return json.RawMessage(*s)
}

func textJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
