package cache_test

import (
	"testing"

	"github.com/ValentinKolb/wbKV/lib/backing"
	"github.com/ValentinKolb/wbKV/lib/cache"
	cachetesting "github.com/ValentinKolb/wbKV/lib/cache/testing"
)

func Test(t *testing.T) {
	cachetesting.RunCacheTests(t, "Engine", func(store backing.IBackingStore, opts *cache.Options) (cache.ICache, error) {
		return cache.New(store, opts)
	})
}
