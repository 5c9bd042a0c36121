package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/ledger"
)

// DecodeJobCursor parses a next_cursor token. An empty token is the first page.
func DecodeJobCursor(cursorStr string) (*ledger.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	nanos, id, ok := strings.Cut(string(decoded), "|")
	if !ok || id == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	createdAt, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &ledger.Cursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		ID:        id,
	}, nil
}

// EncodeJobCursor builds the token for the page after cursor
func EncodeJobCursor(cursor *ledger.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.ID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
