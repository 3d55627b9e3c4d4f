package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

type cursorKey struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

// EncodeCursor returns the opaque cursor for a row ordered by (created_at, id).
func EncodeCursor(createdAt time.Time, id string) string {
	data, _ := json.Marshal(cursorKey{CreatedAt: createdAt.UTC(), ID: id})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor reverses EncodeCursor.
func DecodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor: %w", err)
	}
	var key cursorKey
	if err := json.Unmarshal(data, &key); err != nil || key.ID == "" {
		return time.Time{}, "", fmt.Errorf("invalid cursor %q", cursor)
	}
	return key.CreatedAt, key.ID, nil
}
