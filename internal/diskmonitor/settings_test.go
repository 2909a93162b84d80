package diskmonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettingsValid(t *testing.T) {
	s := DefaultSettings()
	assert.NoError(t, s.validate())
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	s := DefaultSettings()
	s.FreeBytesHigh = -1
	assert.Error(t, s.validate())

	s = DefaultSettings()
	s.FreePercentLow = 120
	assert.Error(t, s.validate())

	// Severity ordering: flood must not demand more free space than high.
	s = DefaultSettings()
	s.FreePercentFlood = 50
	assert.Error(t, s.validate())

	s = DefaultSettings()
	s.FreeBytesHigh = 100
	s.FreeBytesFlood = 200
	assert.Error(t, s.validate())

	s = DefaultSettings()
	s.RerouteInterval = -time.Second
	assert.Error(t, s.validate())
}

func TestValidateDefaultsZeroInterval(t *testing.T) {
	s := DefaultSettings()
	s.RerouteInterval = 0
	require.NoError(t, s.validate())
	assert.Equal(t, DefaultRerouteInterval, s.RerouteInterval)
}

func TestValidateAllowsDisabledByteThresholds(t *testing.T) {
	// Zero byte thresholds are disabled checks, not ordering violations.
	s := DefaultSettings()
	s.FreeBytesLow = 0
	s.FreeBytesHigh = 500
	s.FreeBytesFlood = 100
	assert.NoError(t, s.validate())
}
