package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/courier/internal/model"
)

var testTime = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testUser(id string) *model.User {
	return &model.User{
		ID:        id,
		Name:      "Ada",
		Email:     "ada@example.com",
		Role:      model.RoleDriver,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
}

func testDriver(id, userID string) *model.Driver {
	return &model.Driver{
		ID:            id,
		UserID:        userID,
		LicenseNumber: "LIC-1",
		VehicleType:   "bike",
		Status:        model.DriverAvailable,
		CreatedAt:     testTime,
		UpdatedAt:     testTime,
	}
}

func testOrder(id, customerID, driverID string) *model.Order {
	o := &model.Order{
		ID:             id,
		CustomerID:     customerID,
		DriverID:       driverID,
		Status:         model.OrderPending,
		PickupAddress:  "1 Main St",
		DropoffAddress: "9 Side Rd",
		Items: []model.OrderItem{
			{OrderID: id, Position: 0, Name: "noodles", Quantity: 2, UnitPriceCents: 650},
			{OrderID: id, Position: 1, Name: "tea", Quantity: 1, UnitPriceCents: 300},
		},
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
	o.TotalCents = o.ComputeTotal()
	return o
}
