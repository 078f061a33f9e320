package memory

import (
	"testing"

	"github.com/ValentinKolb/wbKV/lib/backing"
	backingtesting "github.com/ValentinKolb/wbKV/lib/backing/testing"
)

func Test(t *testing.T) {
	backingtesting.RunBackingStoreTests(t, "MemoryStore", func() backing.IBackingStore {
		return NewMemoryStore()
	})
}
