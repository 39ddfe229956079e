package model

import (
	"fmt"
	"time"
)

// EntityType names a kind of synchronized entity.
type EntityType string

const (
	EntityUser   EntityType = "user"
	EntityDriver EntityType = "driver"
	EntityOrder  EntityType = "order"
)

// EntityTypes lists all synchronized entity types in dependency order
// (referenced types before the types that reference them).
var EntityTypes = []EntityType{EntityUser, EntityDriver, EntityOrder}

// ParseEntityType validates a string as an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range EntityTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Table returns the SQLite table holding entities of this type.
func (t EntityType) Table() string {
	return string(t) + "s"
}

// Operation is the kind of mutation applied to an entity.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation validates s as an Operation.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// Entity is implemented by every synchronized record type.
type Entity interface {
	EntityType() EntityType
	EntityID() string

	// SetID replaces the primary identifier. Used by reconciliation only.
	SetID(id string)

	// SetLastSyncedAt stamps the sync metadata.
	SetLastSyncedAt(t time.Time)
}

// Key identifies a single entity across all types.
type Key struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// String renders the key as "type/id".
func (k Key) String() string {
	return string(k.Type) + "/" + k.ID
}

// KeyOf returns the Key of an entity.
func KeyOf(e Entity) Key {
	return Key{Type: e.EntityType(), ID: e.EntityID()}
}

// UserRole is the marketplace role of a user.
type UserRole string

const (
	RoleCustomer UserRole = "customer"
	RoleDriver   UserRole = "driver"
	RoleAdmin    UserRole = "admin"
)

// User is a marketplace account.
type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	Phone        string     `json:"phone,omitempty"`
	Role         UserRole   `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

func (u *User) EntityType() EntityType { return EntityUser }
func (u *User) EntityID() string       { return u.ID }
func (u *User) SetID(id string)        { u.ID = id }

func (u *User) SetLastSyncedAt(t time.Time) {
	t = t.UTC()
	u.LastSyncedAt = &t
}

// DriverStatus is the availability of a driver.
type DriverStatus string

const (
	DriverOffline   DriverStatus = "offline"
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
)

// Driver is the courier profile owned by a user. A user owns at most one.
type Driver struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	LicenseNumber string       `json:"license_number"`
	VehicleType   string       `json:"vehicle_type"`
	Status        DriverStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	LastSyncedAt  *time.Time   `json:"last_synced_at,omitempty"`
}

func (d *Driver) EntityType() EntityType { return EntityDriver }
func (d *Driver) EntityID() string       { return d.ID }
func (d *Driver) SetID(id string)        { d.ID = id }

func (d *Driver) SetLastSyncedAt(t time.Time) {
	t = t.UTC()
	d.LastSyncedAt = &t
}

// OrderStatus is the delivery state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderAssigned  OrderStatus = "assigned"
	OrderPickedUp  OrderStatus = "picked_up"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is a delivery request placed by a customer and optionally assigned
// to a driver. Items are part of the order snapshot.
type Order struct {
	ID             string      `json:"id"`
	CustomerID     string      `json:"customer_id"`
	DriverID       string      `json:"driver_id,omitempty"` // empty = unassigned
	Status         OrderStatus `json:"status"`
	PickupAddress  string      `json:"pickup_address"`
	DropoffAddress string      `json:"dropoff_address"`
	TotalCents     int64       `json:"total_cents"`
	Items          []OrderItem `json:"items"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	LastSyncedAt   *time.Time  `json:"last_synced_at,omitempty"`
}

func (o *Order) EntityType() EntityType { return EntityOrder }
func (o *Order) EntityID() string       { return o.ID }

// SetID also re-points the order's items at the new identifier.
func (o *Order) SetID(id string) {
	o.ID = id
	for i := range o.Items {
		o.Items[i].OrderID = id
	}
}

func (o *Order) SetLastSyncedAt(t time.Time) {
	t = t.UTC()
	o.LastSyncedAt = &t
}

// ComputeTotal returns the sum of quantity * unit price over all items.
func (o *Order) ComputeTotal() int64 {
	var total int64
	for _, it := range o.Items {
		total += int64(it.Quantity) * it.UnitPriceCents
	}
	return total
}

// OrderItem is a line of an order.
type OrderItem struct {
	OrderID        string `json:"order_id"`
	Position       int    `json:"position"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// Compile-time interface checks.
var (
	_ Entity = (*User)(nil)
	_ Entity = (*Driver)(nil)
	_ Entity = (*Order)(nil)
)
