package ratelimit

import (
	"testing"

	"github.com/roomsync/server/internal/v1/config"
	"github.com/stretchr/testify/assert"
)

func TestStandardMiddleware(t *testing.T) {
	cfg := &config.Config{RateLimit: config.RateLimit{
		APIGlobal: "100-M",
		APIPublic: "100-M",
		APIRooms:  "50-M",
		WsIP:      "50-M",
		WsUser:    "100-M",
	}}

	rl, err := NewRateLimiter(cfg, nil)
	assert.NoError(t, err)

	middleware := rl.StandardMiddleware()
	assert.NotNil(t, middleware)
}
