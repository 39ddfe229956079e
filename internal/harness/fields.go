package harness

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/roach88/courier/internal/repo"
)

// Step fields per entity type. Pointers distinguish unset from empty.

type userFields struct {
	ID    *string `yaml:"id"`
	Name  *string `yaml:"name"`
	Email *string `yaml:"email"`
	Phone *string `yaml:"phone"`
	Role  *string `yaml:"role"`
}

type driverFields struct {
	ID            *string `yaml:"id"`
	UserID        *string `yaml:"user_id"`
	LicenseNumber *string `yaml:"license_number"`
	VehicleType   *string `yaml:"vehicle_type"`
	Status        *string `yaml:"status"`
}

type orderFields struct {
	ID             *string      `yaml:"id"`
	CustomerID     *string      `yaml:"customer_id"`
	DriverID       *string      `yaml:"driver_id"`
	Status         *string      `yaml:"status"`
	PickupAddress  *string      `yaml:"pickup_address"`
	DropoffAddress *string      `yaml:"dropoff_address"`
	Items          []itemFields `yaml:"items"`
}

type itemFields struct {
	Name           string `yaml:"name"`
	Quantity       int    `yaml:"quantity"`
	UnitPriceCents int64  `yaml:"unit_price_cents"`
}

func (f orderFields) items() []repo.Item {
	if f.Items == nil {
		return nil
	}
	out := make([]repo.Item, len(f.Items))
	for i, it := range f.Items {
		out[i] = repo.Item{
			Name:           it.Name,
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
		}
	}
	return out
}

// decodeFields re-decodes a step's generic field map into a typed struct,
// rejecting fields the entity does not have.
func decodeFields(fields map[string]any, out any) error {
	data, err := yaml.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("fields: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
