package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryStorage(t *testing.T) {
	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store)
		assert.NotNil(t, store.runs)
		assert.Empty(t, store.runs)
	})

	testStorageContract(t, func(t *testing.T) Storage {
		return NewMemoryStorage()
	})
}
