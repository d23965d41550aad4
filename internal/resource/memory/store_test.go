package memory_test

import (
	"testing"

	"github.com/fidde/cube_planner/internal/resource/memory"
	"github.com/fidde/cube_planner/internal/resource/resourcetest"
)

func TestStore(t *testing.T) {
	resourcetest.Run(t, memory.New())
}
