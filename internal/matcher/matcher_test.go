package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name      string
		pattern   string
		eventType string
		want      bool
	}{
		{"star matches everything", "*", "authentication.login.success", true},
		{"star matches empty type", "*", "", true},
		{"prefix wildcard matches", "auth.*", "auth.login", true},
		{"prefix wildcard matches deeper", "authentication.*", "authentication.login.success", true},
		{"prefix wildcard respects dot boundary", "auth.*", "authentication.login", false},
		{"exact match", "authentication.login.success", "authentication.login.success", true},
		{"exact mismatch", "authentication.login.success", "authentication.login.failure", false},
		{"exact does not match prefix", "authentication.login", "authentication.login.success", false},
		{"bare prefix star", "authentication*", "authentication.login", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.pattern, tt.eventType))
		})
	}
}

func TestMatchesAny(t *testing.T) {
	patterns := []string{"mfa.challenge.*", "authentication.login.success"}

	assert.True(t, MatchesAny(patterns, "mfa.challenge.sent"))
	assert.True(t, MatchesAny(patterns, "authentication.login.success"))
	assert.False(t, MatchesAny(patterns, "authentication.login.failure"))
	assert.False(t, MatchesAny(nil, "authentication.login.success"))
	assert.False(t, MatchesAny([]string{}, "anything"))
}
