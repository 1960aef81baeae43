package mock

import (
	"testing"

	"github.com/lexlapax/engram/pkg/memory"
	"github.com/lexlapax/engram/pkg/memory/storetest"
)

func TestMockStore_Contract(t *testing.T) {
	storetest.Run(t, 3, func(t *testing.T) memory.Store {
		return NewMockStore()
	})
}
