package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().ValidateBasic())
}

func TestValidateBasic(t *testing.T) {
	testcases := map[string]func(*Config){
		"wrong replica count":    func(c *Config) { c.NumReplicas = 5 },
		"replica id out of set":  func(c *Config) { c.MyReplicaID = 4 },
		"zero block size":        func(c *Config) { c.MaxBlockSize = 0 },
		"chunk above block size": func(c *Config) { c.MaxChunkSize = c.MaxBlockSize + 1 },
		"zero chunk batch":       func(c *Config) { c.MaxNumberOfChunksInBatch = 0 },
		"zero page size":         func(c *Config) { c.SizeOfReservedPage = 0 },
		"zero refresh timer":     func(c *Config) { c.RefreshTimerMs = 0 },
		"zero summary timeout":   func(c *Config) { c.CheckpointSummariesRetransmissionTimeoutMs = 0 },
		"replacement below retransmission": func(c *Config) {
			c.SourceReplicaReplacementTimeoutMs = c.FetchRetransmissionTimeoutMs - 1
		},
	}
	for name, mutate := range testcases {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.ValidateBasic())
		})
	}
}

func TestQuorum(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 2, cfg.Quorum())
	cfg.FVal, cfg.NumReplicas = 2, 7
	assert.Equal(t, 3, cfg.Quorum())
}
