package goip

import "strings"

// BatchDelimiter separates messages when a gateway uploads several at once.
const BatchDelimiter = "---MESSAGE-DELIMITER---"

// IsBatch reports whether payload carries more than one message.
func IsBatch(payload string) bool {
	return strings.Contains(payload, BatchDelimiter)
}

// SplitBatch returns the non-empty message segments of payload, trimmed.
// A payload without a delimiter yields a single segment.
func SplitBatch(payload string) []string {
	parts := strings.Split(payload, BatchDelimiter)
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if s := strings.TrimSpace(part); s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}
