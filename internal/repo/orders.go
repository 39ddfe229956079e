package repo

import (
	"context"
	"fmt"

	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/store"
)

// NewOrder is the input of CreateOrder.
type NewOrder struct {
	CustomerID     string
	DriverID       string
	PickupAddress  string
	DropoffAddress string
	Items          []Item
}

// Item is one order line.
type Item struct {
	Name           string
	Quantity       int
	UnitPriceCents int64
}

// OrderUpdate changes the non-nil fields of an order. A non-nil DriverID
// pointing at "" unassigns the driver. Non-nil Items replace all items.
type OrderUpdate struct {
	DriverID       *string
	Status         *model.OrderStatus
	PickupAddress  *string
	DropoffAddress *string
	Items          []Item
}

// CreateOrder stores an order under a provisional id and enqueues its
// create. The total is computed from the items. Assigning a driver at
// creation puts the order in the assigned state.
func (r *Repo) CreateOrder(ctx context.Context, in NewOrder) (*model.Order, error) {
	now := r.clock.Now()
	o := &model.Order{
		ID:             r.newID(),
		CustomerID:     text(in.CustomerID),
		DriverID:       text(in.DriverID),
		Status:         model.OrderPending,
		PickupAddress:  text(in.PickupAddress),
		DropoffAddress: text(in.DropoffAddress),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if o.DriverID != "" {
		o.Status = model.OrderAssigned
	}
	o.Items = items(o.ID, in.Items)
	o.TotalCents = o.ComputeTotal()
	if err := validateOrder(o); err != nil {
		return nil, err
	}
	err := r.store.RunInTx(ctx, func(tx *store.Tx) error {
		return r.save(tx, o, model.OpCreate)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// UpdateOrder applies up to order id and enqueues an update.
func (r *Repo) UpdateOrder(ctx context.Context, id string, up OrderUpdate) (*model.Order, error) {
	var o *model.Order
	err := r.store.RunInTx(ctx, func(tx *store.Tx) error {
		var err error
		if o, err = tx.GetOrder(id); err != nil {
			return err
		}
		if up.DriverID != nil {
			o.DriverID = text(*up.DriverID)
		}
		if up.Status != nil {
			o.Status = *up.Status
		}
		if up.PickupAddress != nil {
			o.PickupAddress = text(*up.PickupAddress)
		}
		if up.DropoffAddress != nil {
			o.DropoffAddress = text(*up.DropoffAddress)
		}
		if up.Items != nil {
			o.Items = items(o.ID, up.Items)
			o.TotalCents = o.ComputeTotal()
		}
		if err := validateOrder(o); err != nil {
			return err
		}
		o.UpdatedAt = r.clock.Now()
		return r.save(tx, o, model.OpUpdate)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// AssignDriver assigns driverID to an order and marks it assigned.
func (r *Repo) AssignDriver(ctx context.Context, orderID, driverID string) (*model.Order, error) {
	status := model.OrderAssigned
	return r.UpdateOrder(ctx, orderID, OrderUpdate{DriverID: &driverID, Status: &status})
}

// DeleteOrder deletes an order and its items locally and enqueues its
// deletion.
func (r *Repo) DeleteOrder(ctx context.Context, id string) error {
	return r.Delete(ctx, model.EntityOrder, id)
}

func items(orderID string, in []Item) []model.OrderItem {
	out := make([]model.OrderItem, len(in))
	for i, it := range in {
		out[i] = model.OrderItem{
			OrderID:        orderID,
			Position:       i,
			Name:           text(it.Name),
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
		}
	}
	return out
}

func validateOrder(o *model.Order) error {
	if o.CustomerID == "" {
		return invalid("customer_id", "required")
	}
	if o.PickupAddress == "" {
		return invalid("pickup_address", "required")
	}
	if o.DropoffAddress == "" {
		return invalid("dropoff_address", "required")
	}
	switch o.Status {
	case model.OrderPending, model.OrderCancelled:
	case model.OrderAssigned, model.OrderPickedUp, model.OrderDelivered:
		if o.DriverID == "" {
			return invalid("driver_id", "required when status is "+string(o.Status))
		}
	default:
		return invalid("status", "unknown order status "+string(o.Status))
	}
	for i, it := range o.Items {
		field := fmt.Sprintf("items[%d]", i)
		if it.Name == "" {
			return invalid(field+".name", "required")
		}
		if it.Quantity <= 0 {
			return invalid(field+".quantity", "must be positive")
		}
		if it.UnitPriceCents < 0 {
			return invalid(field+".unit_price_cents", "must not be negative")
		}
	}
	return nil
}
