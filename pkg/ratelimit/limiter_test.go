package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryWindow(t *testing.T) {
	l := NewInMemory(50 * time.Millisecond)

	for i := 1; i <= 3; i++ {
		d := l.Allow("client-a", 3)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if d := l.Allow("client-a", 3); d.Allowed {
		t.Fatalf("4th request should be limited, got %+v", d)
	}
	// A different key has its own window.
	if d := l.Allow("client-b", 3); !d.Allowed {
		t.Fatal("independent key should be allowed")
	}

	time.Sleep(60 * time.Millisecond)
	if d := l.Allow("client-a", 3); !d.Allowed {
		t.Fatal("window expiry should reset the counter")
	}
}

func TestInMemoryZeroLimit(t *testing.T) {
	l := NewInMemory(time.Minute)
	d := l.Allow("k", 0)
	if !d.Allowed || d.Limit != 1 {
		t.Fatalf("zero limit should coerce to 1, got %+v", d)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedis(client, time.Minute)
	for i := 1; i <= 2; i++ {
		d := l.Allow("ip:10.0.0.1", 2)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Count != i {
			t.Fatalf("count = %d, want %d", d.Count, i)
		}
	}
	if d := l.Allow("ip:10.0.0.1", 2); d.Allowed {
		t.Fatalf("3rd request should be limited, got %+v", d)
	}
}

func TestRedisLimiterFallsBack(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		ReadTimeout: 5 * time.Millisecond,
	})
	defer client.Close()

	l := NewRedis(client, time.Minute)
	d := l.Allow("k", 1)
	if !d.Allowed {
		t.Fatal("fallback should allow first request")
	}
	if d := l.Allow("k", 1); d.Allowed {
		t.Fatal("fallback should limit second request")
	}
}
