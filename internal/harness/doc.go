// Package harness runs sync scenarios described in YAML.
//
// A scenario mutates entities offline through the same repo the CLI uses,
// scripts how the remote system answers, drains the queue with the real
// engine and then asserts on the gateway calls, the local entities and the
// queue. Every run is deterministic: a fake clock, fixed provisional ids
// and sequential idempotency keys, over a fresh in-memory database.
//
// Example:
//
//	name: driver_reconciliation
//	description: a driver created offline is re-keyed to its server id
//	ids: [u1, abc, o1]
//	gateway:
//	  assign:
//	    user: [usr-1]
//	    driver: [drv-123]
//	steps:
//	  - action: create_user
//	    as: ada
//	    fields: {name: Ada, email: ada@example.com, role: driver}
//	  - action: create_driver
//	    as: bike
//	    fields: {user_id: $ada, license_number: LIC-1, vehicle_type: bike}
//	  - action: drain
//	assertions:
//	  - type: entity
//	    entity: driver
//	    id: drv-123
//	    expect: {user_id: usr-1}
//
// Values of the form $name refer to the entity created by the step with
// "as: name". They resolve to the entity's current id, following
// reconciliation aliases, so $bike above is drv-123 after the drain.
//
// The trace of gateway calls and drain results can be compared against a
// golden file (see RunWithGolden).
package harness
