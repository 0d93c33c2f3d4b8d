package memory

import (
	"testing"

	"photoflow/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return New() })
}
