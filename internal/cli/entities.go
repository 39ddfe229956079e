package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/repo"
)

// entityCommand builds the command for one entity type with the get, list
// and delete subcommands shared by all types. Create and update are
// type-specific and passed in.
func entityCommand(rootOpts *RootOptions, t model.EntityType, short string, subs ...*cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(t),
		Short: short,
		Long: fmt.Sprintf(`%s

Changes are written to the local database and queued for sync; they never
wait for the network. A new %s gets a provisional "local-" id until the
server acknowledges it. Provisional ids keep working after sync: they
resolve to the id the server assigned.`, short, t),
	}

	cmd.AddCommand(subs...)
	cmd.AddCommand(newEntityGetCommand(rootOpts, t))
	cmd.AddCommand(newEntityListCommand(rootOpts, t))
	cmd.AddCommand(newEntityDeleteCommand(rootOpts, t))
	return cmd
}

// withApp opens the app for the duration of fn.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, a *app) (any, error)) error {
	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(cmd.Context(), a)
	if err != nil {
		return err
	}
	return opts.formatter(cmd).Success(out)
}

// resolve maps a possibly provisional id to the entity's current id.
func (a *app) resolve(ctx context.Context, t model.EntityType, id string) (string, error) {
	cur, err := a.store.ResolveAlias(ctx, t, id)
	if err != nil {
		return "", wrapOp(fmt.Sprintf("failed to resolve %s %s", t, id), err)
	}
	return cur, nil
}

func newEntityGetCommand(rootOpts *RootOptions, t model.EntityType) *cobra.Command {
	return &cobra.Command{
		Use:           "get <id>",
		Short:         fmt.Sprintf("Show a %s", t),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) (any, error) {
				id, err := a.resolve(ctx, t, args[0])
				if err != nil {
					return nil, err
				}
				e, err := a.store.Get(ctx, t, id)
				if err != nil {
					return nil, wrapOp(fmt.Sprintf("failed to get %s %s", t, args[0]), err)
				}
				return newEntityView(e), nil
			})
		},
	}
}

func newEntityListCommand(rootOpts *RootOptions, t model.EntityType) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         fmt.Sprintf("List local %s (provisional ids marked *)", t.Table()),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) (any, error) {
				list, err := a.store.List(ctx, t)
				if err != nil {
					return nil, wrapOp("failed to list "+t.Table(), err)
				}
				if list == nil {
					list = []model.Entity{}
				}
				return entityList(list), nil
			})
		},
	}
}

func newEntityDeleteCommand(rootOpts *RootOptions, t model.EntityType) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <id>",
		Short:         fmt.Sprintf("Delete a %s locally and queue the remote delete", t),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) (any, error) {
				id, err := a.resolve(ctx, t, args[0])
				if err != nil {
					return nil, err
				}
				if err := a.repo.Delete(ctx, t, id); err != nil {
					return nil, wrapOp(fmt.Sprintf("failed to delete %s %s", t, args[0]), err)
				}
				return message{Text: fmt.Sprintf("deleted %s/%s", t, id)}, nil
			})
		},
	}
}

// stringFlag returns a pointer to the flag's value if it was set.
func stringFlag(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

// NewUserCommand creates the user command.
func NewUserCommand(rootOpts *RootOptions) *cobra.Command {
	return entityCommand(rootOpts, model.EntityUser, "Manage marketplace users",
		newUserCreateCommand(rootOpts),
		newUserUpdateCommand(rootOpts),
	)
}

func newUserCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var in struct {
		name, email, phone, role string
	}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		Long: `Create a user.

Example:
  courier user create --name "Ann Lee" --email ann@example.com
  courier user create --name Bo --email bo@example.com --role driver`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) (any, error) {
				u, err := a.repo.CreateUser(ctx, repo.NewUser{
					Name:  in.name,
					Email: in.email,
					Phone: in.phone,
					Role:  model.UserRole(in.role),
				})
				if err != nil {
					return nil, wrapOp("failed to create user", err)
				}
				return newEntityView(u), nil
			})
		},
	}

	cmd.Flags().StringVar(&in.name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&in.email, "email", "", "email address (required)")
	cmd.Flags().StringVar(&in.phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&in.role, "role", "", "customer|driver|admin (default customer)")
	return cmd
}

func newUserUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "update <id>",
		Short:         "Change a user's fields",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			up := repo.UserUpdate{
				Name:  stringFlag(cmd, "name"),
				Email: stringFlag(cmd, "email"),
				Phone: stringFlag(cmd, "phone"),
			}
			if r := stringFlag(cmd, "role"); r != nil {
				role := model.UserRole(*r)
				up.Role = &role
			}
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) (any, error) {
				id, err := a.resolve(ctx, model.EntityUser, args[0])
				if err != nil {
					return nil, err
				}
				u, err := a.repo.UpdateUser(ctx, id, up)
				if err != nil {
					return nil, wrapOp("failed to update user", err)
				}
				return newEntityView(u), nil
			})
		},
	}

	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("email", "", "email address")
	cmd.Flags().String("phone", "", "phone number (empty clears it)")
	cmd.Flags().String("role", "", "customer|driver|admin")
	return cmd
}

// NewDriverCommand creates the driver command.
func NewDriverCommand(rootOpts *RootOptions) *cobra.Command {
	return entityCommand(rootOpts, model.EntityDriver, "Manage driver profiles",
		newDriverCreateCommand(rootOpts),
		newDriverUpdateCommand(rootOpts),
	)
}

func newDriverCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var in struct {
		user, license, vehicle, status string
	}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the driver profile of a user",
		Long: `Create the driver profile of a user. A user owns at most one.

The user may still be unsynced; the driver is sent after the user's create
has been acknowledged, under the user's server id.

Example:
  courier driver create --user local-0190... --license DL-1 --vehicle bike`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) (any, error) {
				userID, err := a.resolve(ctx, model.EntityUser, in.user)
				if err != nil {
					return nil, err
				}
				d, err := a.repo.CreateDriver(ctx, repo.NewDriver{
					UserID:        userID,
					LicenseNumber: in.license,
					VehicleType:   in.vehicle,
					Status:        model.DriverStatus(in.status),
				})
				if err != nil {
					return nil, wrapOp("failed to create driver", err)
				}
				return newEntityView(d), nil
			})
		},
	}

	cmd.Flags().StringVar(&in.user, "user", "", "owning user id (required)")
	cmd.Flags().StringVar(&in.license, "license", "", "license number (required)")
	cmd.Flags().StringVar(&in.vehicle, "vehicle", "", "vehicle type (required)")
	cmd.Flags().StringVar(&in.status, "status", "", "offline|available|busy (default offline)")
	return cmd
}

func newDriverUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "update <id>",
		Short:         "Change a driver's fields",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			up := repo.DriverUpdate{
				LicenseNumber: stringFlag(cmd, "license"),
				VehicleType:   stringFlag(cmd, "vehicle"),
			}
			if s := stringFlag(cmd, "status"); s != nil {
				st := model.DriverStatus(*s)
				up.Status = &st
			}
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) (any, error) {
				id, err := a.resolve(ctx, model.EntityDriver, args[0])
				if err != nil {
					return nil, err
				}
				d, err := a.repo.UpdateDriver(ctx, id, up)
				if err != nil {
					return nil, wrapOp("failed to update driver", err)
				}
				return newEntityView(d), nil
			})
		},
	}

	cmd.Flags().String("license", "", "license number")
	cmd.Flags().String("vehicle", "", "vehicle type")
	cmd.Flags().String("status", "", "offline|available|busy")
	return cmd
}

// NewOrderCommand creates the order command.
func NewOrderCommand(rootOpts *RootOptions) *cobra.Command {
	return entityCommand(rootOpts, model.EntityOrder, "Manage delivery orders",
		newOrderCreateCommand(rootOpts),
		newOrderUpdateCommand(rootOpts),
		newOrderAssignCommand(rootOpts),
	)
}

func newOrderCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var in struct {
		customer, driver, pickup, dropoff string
		items                             []string
	}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Place an order",
		Long: `Place an order for a customer. The total is computed from the items.

Items are given as name:quantity:unit-price-in-cents.

Example:
  courier order create --customer usr-1 --pickup "1 Main St" \
    --dropoff "9 Elm St" --item "Pad thai:2:1250" --item "Soda:1:300"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parseItems(in.items)
			if err != nil {
				return err
			}
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) (any, error) {
				customer, err := a.resolve(ctx, model.EntityUser, in.customer)
				if err != nil {
					return nil, err
				}
				driver := in.driver
				if driver != "" {
					if driver, err = a.resolve(ctx, model.EntityDriver, driver); err != nil {
						return nil, err
					}
				}
				o, err := a.repo.CreateOrder(ctx, repo.NewOrder{
					CustomerID:     customer,
					DriverID:       driver,
					PickupAddress:  in.pickup,
					DropoffAddress: in.dropoff,
					Items:          items,
				})
				if err != nil {
					return nil, wrapOp("failed to create order", err)
				}
				return newEntityView(o), nil
			})
		},
	}

	cmd.Flags().StringVar(&in.customer, "customer", "", "customer user id (required)")
	cmd.Flags().StringVar(&in.driver, "driver", "", "assign a driver at creation")
	cmd.Flags().StringVar(&in.pickup, "pickup", "", "pickup address (required)")
	cmd.Flags().StringVar(&in.dropoff, "dropoff", "", "dropoff address (required)")
	cmd.Flags().StringArrayVar(&in.items, "item", nil, "order line as name:qty:cents (repeatable)")
	return cmd
}

func newOrderUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var items []string

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change an order's fields",
		Long: `Change an order's fields. Passing --item replaces all items.

Example:
  courier order update ord-9 --status picked_up
  courier order update ord-9 --driver ""       # unassign`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			up := repo.OrderUpdate{
				PickupAddress:  stringFlag(cmd, "pickup"),
				DropoffAddress: stringFlag(cmd, "dropoff"),
			}
			if s := stringFlag(cmd, "status"); s != nil {
				st := model.OrderStatus(*s)
				up.Status = &st
			}
			if cmd.Flags().Changed("item") {
				parsed, err := parseItems(items)
				if err != nil {
					return err
				}
				up.Items = parsed
				if up.Items == nil {
					up.Items = []repo.Item{}
				}
			}
			driver := stringFlag(cmd, "driver")

			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) (any, error) {
				id, err := a.resolve(ctx, model.EntityOrder, args[0])
				if err != nil {
					return nil, err
				}
				if driver != nil && *driver != "" {
					resolved, err := a.resolve(ctx, model.EntityDriver, *driver)
					if err != nil {
						return nil, err
					}
					driver = &resolved
				}
				up.DriverID = driver
				o, err := a.repo.UpdateOrder(ctx, id, up)
				if err != nil {
					return nil, wrapOp("failed to update order", err)
				}
				return newEntityView(o), nil
			})
		},
	}

	cmd.Flags().String("driver", "", "driver id (empty unassigns)")
	cmd.Flags().String("status", "", "pending|assigned|picked_up|delivered|cancelled")
	cmd.Flags().String("pickup", "", "pickup address")
	cmd.Flags().String("dropoff", "", "dropoff address")
	cmd.Flags().StringArrayVar(&items, "item", nil, "order line as name:qty:cents (repeatable, replaces all)")
	return cmd
}

func newOrderAssignCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "assign <order-id> <driver-id>",
		Short:         "Assign a driver to an order",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) (any, error) {
				orderID, err := a.resolve(ctx, model.EntityOrder, args[0])
				if err != nil {
					return nil, err
				}
				driverID, err := a.resolve(ctx, model.EntityDriver, args[1])
				if err != nil {
					return nil, err
				}
				o, err := a.repo.AssignDriver(ctx, orderID, driverID)
				if err != nil {
					return nil, wrapOp("failed to assign driver", err)
				}
				return newEntityView(o), nil
			})
		},
	}
}

// parseItems parses name:qty:cents order lines. The name may itself
// contain colons; quantity and price are taken from the right.
func parseItems(lines []string) ([]repo.Item, error) {
	var out []repo.Item
	for _, line := range lines {
		priceAt := strings.LastIndex(line, ":")
		if priceAt < 0 {
			return nil, itemError(line)
		}
		qtyAt := strings.LastIndex(line[:priceAt], ":")
		if qtyAt <= 0 {
			return nil, itemError(line)
		}
		qty, err := strconv.Atoi(line[qtyAt+1 : priceAt])
		if err != nil {
			return nil, itemError(line)
		}
		cents, err := strconv.ParseInt(line[priceAt+1:], 10, 64)
		if err != nil {
			return nil, itemError(line)
		}
		out = append(out, repo.Item{
			Name:           line[:qtyAt],
			Quantity:       qty,
			UnitPriceCents: cents,
		})
	}
	return out, nil
}

func itemError(line string) error {
	return NewExitError(ExitCommandError, fmt.Sprintf("invalid --item %q: want name:quantity:cents", line))
}
