package goip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitBatch(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []string
	}{
		{"single", "Sender: 1\nhi", []string{"Sender: 1\nhi"}},
		{"two", "Sender: 1\nhi\n---MESSAGE-DELIMITER---\nSender: 2\nyo", []string{"Sender: 1\nhi", "Sender: 2\nyo"}},
		{"empty segments dropped", "---MESSAGE-DELIMITER---\n\nSender: 1\n---MESSAGE-DELIMITER---\n   \n---MESSAGE-DELIMITER---", []string{"Sender: 1"}},
		{"only delimiters", "---MESSAGE-DELIMITER------MESSAGE-DELIMITER---", []string{}},
		{"empty", "", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitBatch(tt.payload))
		})
	}
}

func TestIsBatch(t *testing.T) {
	assert.True(t, IsBatch("a\n---MESSAGE-DELIMITER---\nb"))
	assert.False(t, IsBatch("Sender: 1\nhi"))
}
