package postgres

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisClientConnects(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client, err := NewRedisClient(RedisConfig{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisClient() unexpected error: %v", err)
	}
	defer client.Close()
}

func TestNewRedisClientInvalidURL(t *testing.T) {
	if _, err := NewRedisClient(RedisConfig{URL: "not-a-valid-url"}); err == nil {
		t.Fatal("expected error for invalid redis URL, got nil")
	}
}

func TestNewRedisClientUnreachable(t *testing.T) {
	if _, err := NewRedisClient(RedisConfig{URL: "redis://127.0.0.1:1/0", DialTimeout: 1}); err == nil {
		t.Fatal("expected error connecting to an unreachable redis instance, got nil")
	}
}
