package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/struktr-app/parser/internal/store"
)

func DecodeJobCursor(cursorStr string) (*store.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &store.Cursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		ID:        decodedParts[1],
	}, nil
}

func EncodeJobCursor(cursor *store.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
