package payload

import (
	"fmt"
	"time"

	"github.com/roach88/courier/internal/model"
)

// FromEntity builds the create/update request body for an entity snapshot.
//
// Sync metadata (last_synced_at) is never sent. Optional references that are
// unset are omitted rather than sent as null.
func FromEntity(e model.Entity) ([]byte, error) {
	var obj map[string]any
	switch v := e.(type) {
	case *model.User:
		obj = map[string]any{
			"id":         v.ID,
			"name":       v.Name,
			"email":      v.Email,
			"role":       string(v.Role),
			"created_at": formatTime(v.CreatedAt),
			"updated_at": formatTime(v.UpdatedAt),
		}
		if v.Phone != "" {
			obj["phone"] = v.Phone
		}
	case *model.Driver:
		obj = map[string]any{
			"id":             v.ID,
			"user_id":        v.UserID,
			"license_number": v.LicenseNumber,
			"vehicle_type":   v.VehicleType,
			"status":         string(v.Status),
			"created_at":     formatTime(v.CreatedAt),
			"updated_at":     formatTime(v.UpdatedAt),
		}
	case *model.Order:
		items := make([]any, len(v.Items))
		for i, it := range v.Items {
			items[i] = map[string]any{
				"position":         it.Position,
				"name":             it.Name,
				"quantity":         it.Quantity,
				"unit_price_cents": it.UnitPriceCents,
			}
		}
		obj = map[string]any{
			"id":              v.ID,
			"customer_id":     v.CustomerID,
			"status":          string(v.Status),
			"pickup_address":  v.PickupAddress,
			"dropoff_address": v.DropoffAddress,
			"total_cents":     v.TotalCents,
			"items":           items,
			"created_at":      formatTime(v.CreatedAt),
			"updated_at":      formatTime(v.UpdatedAt),
		}
		if v.DriverID != "" {
			obj["driver_id"] = v.DriverID
		}
	default:
		return nil, fmt.Errorf("unsupported entity type %T", e)
	}
	return MarshalCanonical(obj)
}

// ForDelete builds the body of a delete mutation. It carries only the id.
func ForDelete(id string) ([]byte, error) {
	return MarshalCanonical(map[string]any{"id": id})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
