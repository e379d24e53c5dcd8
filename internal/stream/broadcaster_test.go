package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "events.published.authentication.login", SubjectFor("authentication.login"))
	assert.Equal(t, "events.published.security.alert", SubjectFor("security.alert"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "telhawk-events", cfg.Name)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}
