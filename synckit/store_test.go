package synckit_test

import (
	"testing"

	"github.com/c0deZ3R0/marketsync/synckit"
	"github.com/c0deZ3R0/marketsync/synckit/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) synckit.Store { return synckit.NewMemoryStore() })
}
