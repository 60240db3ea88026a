package configuration

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/scusemua/fleet-scheduler/common/scheduling/entity"
	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyInventory   = errors.New("inventory lists no servers")
	ErrInvalidInventory = errors.New("invalid inventory")
)

// Inventory is the static list of the servers of the fleet, in inventory order.
type Inventory struct {
	Servers []entity.ServerSpec `yaml:"servers" json:"servers"`
}

// LoadInventory reads and validates the inventory file at the given path.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read inventory \"%s\"", path)
	}

	return ParseInventory(data)
}

// ParseInventory decodes and validates an inventory document.
func ParseInventory(data []byte) (*Inventory, error) {
	var inventory Inventory
	if err := yaml.Unmarshal(data, &inventory); err != nil {
		return nil, errors.Wrap(err, "failed to decode inventory")
	}

	if err := inventory.Validate(); err != nil {
		return nil, err
	}

	return &inventory, nil
}

// Validate checks that the inventory lists at least one server, that server IDs are unique and that every server has
// both addresses and a positive capacity.
func (inv *Inventory) Validate() error {
	if len(inv.Servers) == 0 {
		return ErrEmptyInventory
	}

	seen := make(map[int]struct{}, len(inv.Servers))
	for _, spec := range inv.Servers {
		if _, loaded := seen[spec.ID]; loaded {
			return fmt.Errorf("%w: duplicate server ID %d", ErrInvalidInventory, spec.ID)
		}
		seen[spec.ID] = struct{}{}

		if spec.Address == "" || spec.ManagementAddress == "" {
			return fmt.Errorf("%w: server %d must have both an address and a management address",
				ErrInvalidInventory, spec.ID)
		}

		if spec.CPU <= 0 || spec.RAM <= 0 {
			return fmt.Errorf("%w: server %d must have positive CPU and RAM (CPU=%d, RAM=%d)",
				ErrInvalidInventory, spec.ID, spec.CPU, spec.RAM)
		}
	}

	return nil
}
