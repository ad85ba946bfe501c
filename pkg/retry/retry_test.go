package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultGatewayConfig(t *testing.T) {
	cfg := DefaultGatewayConfig()
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultInitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, DefaultMaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, DefaultJitterFactor, cfg.JitterFactor)
	assert.True(t, cfg.Exponential)
}

func TestDefaultReplayConfig(t *testing.T) {
	cfg := DefaultReplayConfig(2, true)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, ReplayInitialBackoff, cfg.InitialBackoff)
	assert.True(t, cfg.Exponential)

	flat := DefaultReplayConfig(5, false)
	assert.False(t, flat.Exponential)
}

func TestConfig_Chaining(t *testing.T) {
	cfg := DefaultGatewayConfig().
		WithMaxRetries(5).
		WithInitialBackoff(2 * time.Second).
		WithMaxBackoff(1 * time.Hour).
		WithJitterFactor(0.5)

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.InitialBackoff)
	assert.Equal(t, 1*time.Hour, cfg.MaxBackoff)
	assert.Equal(t, 0.5, cfg.JitterFactor)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultGatewayConfig().Validate())

	bad := DefaultGatewayConfig().WithInitialBackoff(0)
	err := bad.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "InitialBackoff")

	bad = DefaultGatewayConfig().WithMaxBackoff(0)
	assert.Error(t, bad.Validate())

	bad = Config{MaxRetries: 1, InitialBackoff: 10 * time.Second, MaxBackoff: 5 * time.Second, JitterFactor: 0.1}
	err = bad.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "MaxBackoff")

	bad = DefaultGatewayConfig().WithJitterFactor(1.5)
	assert.Error(t, bad.Validate())
}

func TestConfig_Delay_ExponentialCapsAtMaxBackoff(t *testing.T) {
	cfg := Config{
		MaxRetries:     10,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     4 * time.Second,
		JitterFactor:   0,
		Exponential:    true,
	}

	assert.Equal(t, 1*time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
	assert.Equal(t, 4*time.Second, cfg.Delay(4), "delay must cap at MaxBackoff")
}

func TestConfig_Delay_Flat(t *testing.T) {
	cfg := Config{
		MaxRetries:     10,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     1 * time.Minute,
		JitterFactor:   0,
		Exponential:    false,
	}

	assert.Equal(t, 1*time.Second, cfg.Delay(1))
	assert.Equal(t, 1*time.Second, cfg.Delay(5))
}

func TestConfig_Sleep_HonorsCancellation(t *testing.T) {
	cfg := Config{MaxRetries: 1, InitialBackoff: time.Hour, MaxBackoff: time.Hour, JitterFactor: 0}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cfg.Sleep(ctx, 1)
	assert.Error(t, err)
}
