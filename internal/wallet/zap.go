package wallet

import (
	"encoding/json"
	"strings"
)

const zapPrefix = "zapped - "

// zapRequest is the part of a NIP-57 zap request (kind 9734) we display.
// LNBits stores the whole event as the payment comment.
type zapRequest struct {
	Kind    int    `json:"kind"`
	Content string `json:"content"`
}

// zapComment turns a zap request comment into "zapped - <content>". Any
// other comment is returned unchanged.
func zapComment(comment string) string {
	trimmed := strings.TrimSpace(comment)
	if !strings.HasPrefix(trimmed, "{") {
		return comment
	}
	var zap zapRequest
	if err := json.Unmarshal([]byte(trimmed), &zap); err != nil {
		return comment
	}
	if zap.Content == "" {
		return comment
	}
	return zapPrefix + zap.Content
}
