package memory

import (
	"testing"

	"github.com/steep-wms/steep/pkg/registry/registrytest"
)

func TestMemoryRegistryContract(t *testing.T) {
	registrytest.Run(t, New())
}
