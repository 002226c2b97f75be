// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// GetTestRedisOptions returns Redis options for a real test server.
// REDIS_TEST_ADDR overrides the address.
func GetTestRedisOptions() *redis.Options {
	redisAddr := os.Getenv("REDIS_TEST_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	return &redis.Options{
		Addr: redisAddr,
		DB:   1,
	}
}

// NewMiniRedis starts an in-memory Redis server and a client connected to
// it. Both are closed when the test ends.
func NewMiniRedis(tb testing.TB) (*redis.Client, *miniredis.Miniredis) {
	tb.Helper()
	s := miniredis.RunT(tb)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	tb.Cleanup(func() { _ = client.Close() })
	return client, s
}
