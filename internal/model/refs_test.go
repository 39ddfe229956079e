package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferenceField(t *testing.T) {
	d := &Driver{ID: "d", UserID: "u"}
	o := &Order{ID: "o", CustomerID: "c", DriverID: "x"}

	for _, ref := range ReferencesFrom(EntityOrder) {
		field := ref.Field(o)
		require.NotNil(t, field, ref.Column)
		*field = "new-" + ref.Column
	}
	assert.Equal(t, "new-customer_id", o.CustomerID)
	assert.Equal(t, "new-driver_id", o.DriverID)

	refs := ReferencesFrom(EntityDriver)
	require.Len(t, refs, 1)
	require.NotNil(t, refs[0].Field(d))
	assert.Equal(t, "u", *refs[0].Field(d))

	assert.Nil(t, refs[0].Field(o), "driver reference on an order")
	assert.Empty(t, ReferencesFrom(EntityUser))
}
