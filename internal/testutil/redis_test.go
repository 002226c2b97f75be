package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTestRedisOptions(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want string
	}{
		{"default address", "", "localhost:6379"},
		{"env override", "redis.example.com:6380", "redis.example.com:6380"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("REDIS_TEST_ADDR", tt.env)
			options := GetTestRedisOptions()
			require.NotNil(t, options)
			assert.Equal(t, tt.want, options.Addr)
			assert.Equal(t, 1, options.DB)
		})
	}
}

func TestNewMiniRedis(t *testing.T) {
	client, s := NewMiniRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}
