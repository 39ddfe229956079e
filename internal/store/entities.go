package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/courier/internal/model"
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const (
	userColumns   = `id, name, email, phone, role, created_at, updated_at, last_synced_at`
	driverColumns = `id, user_id, license_number, vehicle_type, status, created_at, updated_at, last_synced_at`
	orderColumns  = `id, customer_id, driver_id, status, pickup_address, dropoff_address, total_cents, created_at, updated_at, last_synced_at`
)

// Get returns the entity of type t with the given id, or ErrNotFound.
func (tx *Tx) Get(t model.EntityType, id string) (model.Entity, error) {
	switch t {
	case model.EntityUser:
		return tx.GetUser(id)
	case model.EntityDriver:
		return tx.GetDriver(id)
	case model.EntityOrder:
		return tx.GetOrder(id)
	default:
		return nil, fmt.Errorf("get: unknown entity type %q", t)
	}
}

// Exists reports whether an entity of type t with the given id is stored.
func (tx *Tx) Exists(t model.EntityType, id string) (bool, error) {
	if _, err := model.ParseEntityType(string(t)); err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	var one int
	err := tx.QueryRow(`SELECT 1 FROM `+t.Table()+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageError("exists "+string(t), err)
	}
	return true, nil
}

// GetUser returns the user with the given id.
func (tx *Tx) GetUser(id string) (*model.User, error) {
	row := tx.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFoundOr("get user "+id, err)
	}
	return u, nil
}

// GetDriver returns the driver with the given id.
func (tx *Tx) GetDriver(id string) (*model.Driver, error) {
	row := tx.QueryRow(`SELECT `+driverColumns+` FROM drivers WHERE id = ?`, id)
	d, err := scanDriver(row)
	if err != nil {
		return nil, notFoundOr("get driver "+id, err)
	}
	return d, nil
}

// GetDriverByUser returns the driver profile owned by userID.
func (tx *Tx) GetDriverByUser(userID string) (*model.Driver, error) {
	row := tx.QueryRow(`SELECT `+driverColumns+` FROM drivers WHERE user_id = ?`, userID)
	d, err := scanDriver(row)
	if err != nil {
		return nil, notFoundOr("get driver by user "+userID, err)
	}
	return d, nil
}

// GetOrder returns the order with the given id, items included.
func (tx *Tx) GetOrder(id string) (*model.Order, error) {
	row := tx.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, notFoundOr("get order "+id, err)
	}
	items, err := tx.orderItems(id)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return o, nil
}

// List returns all entities of type t ordered by id.
func (tx *Tx) List(t model.EntityType) ([]model.Entity, error) {
	var (
		query string
		scan  func(scanner) (model.Entity, error)
	)
	switch t {
	case model.EntityUser:
		query = `SELECT ` + userColumns + ` FROM users ORDER BY id ASC`
		scan = func(s scanner) (model.Entity, error) { return scanUser(s) }
	case model.EntityDriver:
		query = `SELECT ` + driverColumns + ` FROM drivers ORDER BY id ASC`
		scan = func(s scanner) (model.Entity, error) { return scanDriver(s) }
	case model.EntityOrder:
		query = `SELECT ` + orderColumns + ` FROM orders ORDER BY id ASC`
		scan = func(s scanner) (model.Entity, error) { return scanOrder(s) }
	default:
		return nil, fmt.Errorf("list: unknown entity type %q", t)
	}

	rows, err := tx.Query(query)
	if err != nil {
		return nil, err
	}
	var out []model.Entity
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			rows.Close()
			return nil, storageError("list "+string(t), err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageError("list "+string(t), err)
	}
	rows.Close()

	// Items are loaded after the cursor is closed; the transaction owns a
	// single connection.
	if t == model.EntityOrder {
		for _, e := range out {
			o := e.(*model.Order)
			items, err := tx.orderItems(o.ID)
			if err != nil {
				return nil, err
			}
			o.Items = items
		}
	}
	return out, nil
}

// Upsert inserts or replaces an entity. Order items are replaced wholesale.
func (tx *Tx) Upsert(e model.Entity) error {
	var err error
	switch v := e.(type) {
	case *model.User:
		err = tx.upsertUser(v)
	case *model.Driver:
		err = tx.upsertDriver(v)
	case *model.Order:
		err = tx.upsertOrder(v)
	default:
		return fmt.Errorf("upsert: unsupported entity %T", e)
	}
	if err != nil {
		return err
	}
	tx.Touch(model.KeyOf(e))
	return nil
}

// Delete removes an entity. Returns ErrNotFound if it does not exist.
func (tx *Tx) Delete(t model.EntityType, id string) error {
	if _, err := model.ParseEntityType(string(t)); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM `+t.Table()+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", t, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError("delete rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s %s: %w", t, id, ErrNotFound)
	}
	tx.Touch(model.Key{Type: t, ID: id})
	return nil
}

// SetLastSynced stamps last_synced_at on an entity. Missing entities are
// ignored (the entity may have been deleted locally after the mutation was
// queued).
func (tx *Tx) SetLastSynced(t model.EntityType, id string, at time.Time) error {
	res, err := tx.Exec(`UPDATE `+t.Table()+` SET last_synced_at = ? WHERE id = ?`, FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("set last synced %s %s: %w", t, id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		tx.Touch(model.Key{Type: t, ID: id})
	}
	return nil
}

func (tx *Tx) upsertUser(u *model.User) error {
	_, err := tx.Exec(`
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			role = excluded.role,
			updated_at = excluded.updated_at,
			last_synced_at = excluded.last_synced_at
	`,
		u.ID, u.Name, u.Email, u.Phone, string(u.Role),
		FormatTime(u.CreatedAt), FormatTime(u.UpdatedAt), NullTime(u.LastSyncedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

func (tx *Tx) upsertDriver(d *model.Driver) error {
	_, err := tx.Exec(`
		INSERT INTO drivers (`+driverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			license_number = excluded.license_number,
			vehicle_type = excluded.vehicle_type,
			status = excluded.status,
			updated_at = excluded.updated_at,
			last_synced_at = excluded.last_synced_at
	`,
		d.ID, d.UserID, d.LicenseNumber, d.VehicleType, string(d.Status),
		FormatTime(d.CreatedAt), FormatTime(d.UpdatedAt), NullTime(d.LastSyncedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func (tx *Tx) upsertOrder(o *model.Order) error {
	driverID := sql.NullString{String: o.DriverID, Valid: o.DriverID != ""}
	_, err := tx.Exec(`
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			driver_id = excluded.driver_id,
			status = excluded.status,
			pickup_address = excluded.pickup_address,
			dropoff_address = excluded.dropoff_address,
			total_cents = excluded.total_cents,
			updated_at = excluded.updated_at,
			last_synced_at = excluded.last_synced_at
	`,
		o.ID, o.CustomerID, driverID, string(o.Status),
		o.PickupAddress, o.DropoffAddress, o.TotalCents,
		FormatTime(o.CreatedAt), FormatTime(o.UpdatedAt), NullTime(o.LastSyncedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM order_items WHERE order_id = ?`, o.ID); err != nil {
		return fmt.Errorf("upsert order %s: clear items: %w", o.ID, err)
	}
	for _, it := range o.Items {
		_, err := tx.Exec(`
			INSERT INTO order_items (order_id, position, name, quantity, unit_price_cents)
			VALUES (?, ?, ?, ?, ?)
		`, o.ID, it.Position, it.Name, it.Quantity, it.UnitPriceCents)
		if err != nil {
			return fmt.Errorf("upsert order %s: item %d: %w", o.ID, it.Position, err)
		}
	}
	return nil
}

func (tx *Tx) orderItems(orderID string) ([]model.OrderItem, error) {
	rows, err := tx.Query(`
		SELECT order_id, position, name, quantity, unit_price_cents
		FROM order_items
		WHERE order_id = ?
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []model.OrderItem{}
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.OrderID, &it.Position, &it.Name, &it.Quantity, &it.UnitPriceCents); err != nil {
			return nil, storageError("scan order item", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("order items", err)
	}
	return items, nil
}

func scanUser(s scanner) (*model.User, error) {
	var (
		u                model.User
		role             string
		created, updated string
		lastSynced       sql.NullString
	)
	if err := s.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &role, &created, &updated, &lastSynced); err != nil {
		return nil, err
	}
	u.Role = model.UserRole(role)
	if err := parseTimestamps(&u.CreatedAt, &u.UpdatedAt, &u.LastSyncedAt, created, updated, lastSynced); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanDriver(s scanner) (*model.Driver, error) {
	var (
		d                model.Driver
		status           string
		created, updated string
		lastSynced       sql.NullString
	)
	if err := s.Scan(&d.ID, &d.UserID, &d.LicenseNumber, &d.VehicleType, &status, &created, &updated, &lastSynced); err != nil {
		return nil, err
	}
	d.Status = model.DriverStatus(status)
	if err := parseTimestamps(&d.CreatedAt, &d.UpdatedAt, &d.LastSyncedAt, created, updated, lastSynced); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanOrder(s scanner) (*model.Order, error) {
	var (
		o                model.Order
		driverID         sql.NullString
		status           string
		created, updated string
		lastSynced       sql.NullString
	)
	if err := s.Scan(&o.ID, &o.CustomerID, &driverID, &status, &o.PickupAddress, &o.DropoffAddress,
		&o.TotalCents, &created, &updated, &lastSynced); err != nil {
		return nil, err
	}
	o.DriverID = driverID.String
	o.Status = model.OrderStatus(status)
	if err := parseTimestamps(&o.CreatedAt, &o.UpdatedAt, &o.LastSyncedAt, created, updated, lastSynced); err != nil {
		return nil, err
	}
	o.Items = []model.OrderItem{}
	return &o, nil
}

func parseTimestamps(createdAt, updatedAt *time.Time, lastSyncedAt **time.Time, created, updated string, lastSynced sql.NullString) error {
	var err error
	if *createdAt, err = ParseTime(created); err != nil {
		return err
	}
	if *updatedAt, err = ParseTime(updated); err != nil {
		return err
	}
	if *lastSyncedAt, err = ParseNullTime(lastSynced); err != nil {
		return err
	}
	return nil
}

// notFoundOr maps sql.ErrNoRows to ErrNotFound and classifies anything else.
func notFoundOr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return storageError(op, err)
}

// Store-level wrappers. Each runs its own transaction.

// Get returns the entity of type t with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, t model.EntityType, id string) (model.Entity, error) {
	var e model.Entity
	err := s.RunInTx(ctx, func(tx *Tx) error {
		var err error
		e, err = tx.Get(t, id)
		return err
	})
	return e, err
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u *model.User
	err := s.RunInTx(ctx, func(tx *Tx) error {
		var err error
		u, err = tx.GetUser(id)
		return err
	})
	return u, err
}

// GetDriver returns the driver with the given id.
func (s *Store) GetDriver(ctx context.Context, id string) (*model.Driver, error) {
	var d *model.Driver
	err := s.RunInTx(ctx, func(tx *Tx) error {
		var err error
		d, err = tx.GetDriver(id)
		return err
	})
	return d, err
}

// GetOrder returns the order with the given id, items included.
func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o *model.Order
	err := s.RunInTx(ctx, func(tx *Tx) error {
		var err error
		o, err = tx.GetOrder(id)
		return err
	})
	return o, err
}

// List returns all entities of type t ordered by id.
func (s *Store) List(ctx context.Context, t model.EntityType) ([]model.Entity, error) {
	var out []model.Entity
	err := s.RunInTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.List(t)
		return err
	})
	return out, err
}

// Upsert inserts or replaces an entity without queueing a mutation.
// Used when applying server state; local edits go through package repo.
func (s *Store) Upsert(ctx context.Context, e model.Entity) error {
	return s.RunInTx(ctx, func(tx *Tx) error {
		return tx.Upsert(e)
	})
}

// Delete removes an entity without queueing a mutation.
func (s *Store) Delete(ctx context.Context, t model.EntityType, id string) error {
	return s.RunInTx(ctx, func(tx *Tx) error {
		return tx.Delete(t, id)
	})
}
