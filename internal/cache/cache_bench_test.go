package cache

import (
	"context"
	"strconv"
	"testing"

	"go.uber.org/zap/zaptest"
)

func BenchmarkCacheGet(b *testing.B) {
	logger := zaptest.NewLogger(b)
	c, err := New(DefaultConfig(), nil, logger)
	if err != nil {
		b.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		key := Key{Subject: "u:" + strconv.Itoa(i%26), Capability: "read", Object: "r:" + strconv.Itoa(i/26)}
		c.Set(ctx, key, Entry{Allowed: true, EdgeIDs: []string{"e" + strconv.Itoa(i)}})
	}
	c.l1.Wait()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := Key{Subject: "u:" + strconv.Itoa(i%26), Capability: "read", Object: "r:" + strconv.Itoa(i/26%39)}
			c.Get(ctx, key)
			i++
		}
	})
}

func BenchmarkCacheSet(b *testing.B) {
	logger := zaptest.NewLogger(b)
	c, err := New(DefaultConfig(), nil, logger)
	if err != nil {
		b.Fatal(err)
	}

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := Key{Subject: "u:" + strconv.Itoa(i%26), Capability: "read", Object: "r:" + strconv.Itoa(i/26)}
			c.Set(ctx, key, Entry{Allowed: true, EdgeIDs: []string{"e" + strconv.Itoa(i)}})
			i++
		}
	})
}
