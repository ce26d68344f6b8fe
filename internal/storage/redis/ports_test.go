package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ChainHost/pkg/plugin"
)

func TestPortKeyFieldRoundTrip(t *testing.T) {
	t.Parallel()

	key := plugin.PortKey{Plugin: "chainhost/network", ResourceType: "node", Resource: "dev/1", Name: "rpc"}
	parsed, ok := parsePortKey(fieldOf(key))
	if !ok || parsed != key {
		t.Fatalf("unexpected round trip %+v", parsed)
	}
	if _, ok := parsePortKey("chainhost/network/node/dev/rpc"); ok {
		t.Fatalf("expected legacy slash form to be rejected")
	}
}

func TestNewPortAllocatorRejectsBadRange(t *testing.T) {
	t.Parallel()

	if _, err := NewPortAllocatorWithClient(nil, "", 10, 5); err == nil {
		t.Fatalf("expected invalid range error")
	}
}

func TestRedisPortAllocator(t *testing.T) {
	addr := os.Getenv("CHAINHOST_TEST_REDIS")
	if addr == "" {
		t.Skip("CHAINHOST_TEST_REDIS not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	prefix := "chainhost:test:" + uuid.NewString()
	defer func() {
		client.Del(ctx, prefix+":assigned", prefix+":free", prefix+":next")
	}()

	a, err := NewPortAllocatorWithClient(client, prefix, 41000, 41001)
	if err != nil {
		t.Fatalf("NewPortAllocatorWithClient: %v", err)
	}
	rpc := plugin.PortKey{Plugin: "chainhost/network", ResourceType: "node", Resource: "local", Name: "rpc"}
	p2p := rpc
	p2p.Name = "p2p"

	first, err := a.Allocate(ctx, rpc)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if again, err := a.Allocate(ctx, rpc); err != nil || again != first {
		t.Fatalf("expected stable port %d, got %d (%v)", first, again, err)
	}
	if _, err := a.Allocate(ctx, p2p); err != nil {
		t.Fatalf("allocate p2p: %v", err)
	}
	other := rpc
	other.Resource = "other"
	if _, err := a.Allocate(ctx, other); err == nil {
		t.Fatalf("expected range to be exhausted")
	}

	scope := rpc
	scope.Name = ""
	if err := a.Release(ctx, scope); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := a.Allocate(ctx, other); err != nil {
		t.Fatalf("expected released port to be reused: %v", err)
	}
	if row, ok := a.Debug().Lookup("Assigned"); !ok || row.Value != "1" {
		t.Fatalf("unexpected debug table %v", a.Debug())
	}
}

func TestRedisPortAllocatorReserve(t *testing.T) {
	addr := os.Getenv("CHAINHOST_TEST_REDIS")
	if addr == "" {
		t.Skip("CHAINHOST_TEST_REDIS not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	prefix := "chainhost:test:" + uuid.NewString()
	defer func() {
		client.Del(ctx, prefix+":assigned", prefix+":free", prefix+":next")
	}()

	a, err := NewPortAllocatorWithClient(client, prefix, 41000, 41002)
	if err != nil {
		t.Fatalf("NewPortAllocatorWithClient: %v", err)
	}
	restored := plugin.PortKey{Plugin: "chainhost/network", ResourceType: "node", Resource: "a", Name: "rpc"}
	if err := a.Reserve(ctx, restored, 41001); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := a.Reserve(ctx, restored, 41001); err != nil {
		t.Fatalf("reserving the same port twice must succeed: %v", err)
	}
	fresh := restored
	fresh.Resource = "b"
	if err := a.Reserve(ctx, fresh, 41001); err == nil {
		t.Fatalf("expected conflict for a held port")
	}

	seen := map[int]bool{}
	for _, name := range []string{"rpc", "p2p"} {
		fresh.Name = name
		port, err := a.Allocate(ctx, fresh)
		if err != nil {
			t.Fatalf("allocate %s: %v", name, err)
		}
		if port == 41001 || seen[port] {
			t.Fatalf("allocated port %d collides", port)
		}
		seen[port] = true
	}
}
