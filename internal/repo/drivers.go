package repo

import (
	"context"

	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/store"
)

// NewDriver is the input of CreateDriver.
type NewDriver struct {
	UserID        string
	LicenseNumber string
	VehicleType   string
	Status        model.DriverStatus
}

// DriverUpdate changes the non-nil fields of a driver.
type DriverUpdate struct {
	LicenseNumber *string
	VehicleType   *string
	Status        *model.DriverStatus
}

// CreateDriver stores a driver profile under a provisional id and enqueues
// its create. A user owns at most one driver; a second one fails with a
// store conflict.
func (r *Repo) CreateDriver(ctx context.Context, in NewDriver) (*model.Driver, error) {
	now := r.clock.Now()
	d := &model.Driver{
		ID:            r.newID(),
		UserID:        text(in.UserID),
		LicenseNumber: text(in.LicenseNumber),
		VehicleType:   text(in.VehicleType),
		Status:        in.Status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if d.Status == "" {
		d.Status = model.DriverOffline
	}
	if err := validateDriver(d); err != nil {
		return nil, err
	}
	err := r.store.RunInTx(ctx, func(tx *store.Tx) error {
		return r.save(tx, d, model.OpCreate)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateDriver applies up to driver id and enqueues an update.
func (r *Repo) UpdateDriver(ctx context.Context, id string, up DriverUpdate) (*model.Driver, error) {
	var d *model.Driver
	err := r.store.RunInTx(ctx, func(tx *store.Tx) error {
		var err error
		if d, err = tx.GetDriver(id); err != nil {
			return err
		}
		if up.LicenseNumber != nil {
			d.LicenseNumber = text(*up.LicenseNumber)
		}
		if up.VehicleType != nil {
			d.VehicleType = text(*up.VehicleType)
		}
		if up.Status != nil {
			d.Status = *up.Status
		}
		if err := validateDriver(d); err != nil {
			return err
		}
		d.UpdatedAt = r.clock.Now()
		return r.save(tx, d, model.OpUpdate)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// DeleteDriver deletes a driver locally and enqueues its deletion.
func (r *Repo) DeleteDriver(ctx context.Context, id string) error {
	return r.Delete(ctx, model.EntityDriver, id)
}

func validateDriver(d *model.Driver) error {
	if d.UserID == "" {
		return invalid("user_id", "required")
	}
	if d.LicenseNumber == "" {
		return invalid("license_number", "required")
	}
	if d.VehicleType == "" {
		return invalid("vehicle_type", "required")
	}
	switch d.Status {
	case model.DriverOffline, model.DriverAvailable, model.DriverBusy:
	default:
		return invalid("status", "unknown driver status "+string(d.Status))
	}
	return nil
}
