package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetPeerIDIsStableAndPrefersExplicitEnv(t *testing.T) {
	t.Setenv("PEER_ID", "fixed-id")

	assert.Equal(t, "fixed-id", GetPeerID())

	// The id is resolved once; later env changes never alter it
	t.Setenv("PEER_ID", "other-id")
	assert.Equal(t, "fixed-id", GetPeerID())
}

func TestSetupToleratesUnknownLevelAndFormat(t *testing.T) {
	Setup("nonsense", "whatever")
	Logf("level fallback %d", 1)

	Setup("debug", "json")
	Debugf("json writer %s", "ok")
	Errorf("still %s", "usable")
}

func TestEveryLevelEmitsThroughTheSharedLogger(t *testing.T) {
	Setup("debug", "text")
	Log("plain message")
	Logf("formatted %s", "message")
	Debugf("debug %d", 1)
	Errorf("error %d", 2)
}
