package model

// Reference describes one stored foreign reference to an entity identifier.
//
// The set of references is closed: reconciliation rewrites exactly these
// columns (and the matching payload fields of queued mutations) when an
// identifier changes, inside one transaction. Adding a new foreign key to the
// schema without listing it here leaves stale identifiers behind.
type Reference struct {
	// Target is the entity type whose identifier is referenced.
	Target EntityType

	// Table and Column locate the referencing column in the store.
	Table  string
	Column string

	// Owner is the entity type whose queued payloads carry the reference.
	// Empty for child tables that have no queue entries of their own.
	Owner EntityType

	// PayloadField is the JSON field in Owner payloads holding the reference.
	PayloadField string
}

// References is the closed set of foreign references in the local schema.
var References = []Reference{
	{Target: EntityUser, Table: "drivers", Column: "user_id", Owner: EntityDriver, PayloadField: "user_id"},
	{Target: EntityUser, Table: "orders", Column: "customer_id", Owner: EntityOrder, PayloadField: "customer_id"},
	{Target: EntityDriver, Table: "orders", Column: "driver_id", Owner: EntityOrder, PayloadField: "driver_id"},
	{Target: EntityOrder, Table: "order_items", Column: "order_id"},
}

// ReferencesTo returns the references whose target is t.
func ReferencesTo(t EntityType) []Reference {
	var refs []Reference
	for _, r := range References {
		if r.Target == t {
			refs = append(refs, r)
		}
	}
	return refs
}

// ReferencesFrom returns the references carried in payloads of owner.
func ReferencesFrom(owner EntityType) []Reference {
	var refs []Reference
	for _, r := range References {
		if r.Owner == owner && r.PayloadField != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

// Field returns a pointer to the field of e holding this reference, or nil
// if e is not the reference's owner.
func (r Reference) Field(e Entity) *string {
	switch v := e.(type) {
	case *Driver:
		if r.Owner == EntityDriver && r.Column == "user_id" {
			return &v.UserID
		}
	case *Order:
		if r.Owner != EntityOrder {
			return nil
		}
		switch r.Column {
		case "customer_id":
			return &v.CustomerID
		case "driver_id":
			return &v.DriverID
		}
	}
	return nil
}
