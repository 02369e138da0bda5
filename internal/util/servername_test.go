package util

import (
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeServerName(t *testing.T) {
	assert.Equal(t, spec.ServerName("example.com"), NormalizeServerName(" Example.COM "))
}

func TestUserServerName(t *testing.T) {
	serverName, ok := UserServerName("@alice:Example.com")
	assert.True(t, ok)
	assert.Equal(t, spec.ServerName("example.com"), serverName)

	_, ok = UserServerName("alice")
	assert.False(t, ok)
}
