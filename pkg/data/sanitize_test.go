package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeAnswer(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"action":"tap"}`, `{"action":"tap"}`},
		{"prose around", "Sure! Here you go:\n```json\n{\"action\":\"back\"}\n```", `{"action":"back"}`},
		{"nested", `x {"action":"tap","meta":{"a":1}} y`, `{"action":"tap","meta":{"a":1}}`},
		{"brace in string", `{"text":"a } b","action":"type"}`, `{"text":"a } b","action":"type"}`},
		{"escaped quote", `{"text":"say \"}\"","action":"type"}`, `{"text":"say \"}\"","action":"type"}`},
		{"unbalanced first", `{ oops {"action":"home"}`, `{"action":"home"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeAnswer(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSanitizeAnswerNoObject(t *testing.T) {
	_, err := SanitizeAnswer("I cannot help with that")
	assert.ErrorIs(t, err, ErrNoJSON)
}
