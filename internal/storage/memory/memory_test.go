package memory

import (
	"testing"

	"github.com/prudhvinik1/tasksync/internal/storage"
	"github.com/prudhvinik1/tasksync/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.TestStorage(t, func(t *testing.T) storage.Storage {
		return New()
	})
}
