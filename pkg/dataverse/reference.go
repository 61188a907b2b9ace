package dataverse

import (
	"fmt"

	"github.com/google/uuid"
)

// Reference addresses exactly one record: the entity set (table) name and
// the record id. Immutable once constructed.
type Reference struct {
	EntitySet string
	ID        uuid.UUID
}

// NewReference creates a reference to one record of an entity set.
func NewReference(entitySet string, id uuid.UUID) Reference {
	return Reference{EntitySet: entitySet, ID: id}
}

func (r Reference) String() string {
	return fmt.Sprintf("%s(%s)", r.EntitySet, r.ID)
}

// Validate reports a ValidationError for references that could never
// address a record.
func (r Reference) Validate() error {
	if r.EntitySet == "" {
		return &ValidationError{Message: "reference entity set is empty"}
	}
	if r.ID == uuid.Nil {
		return &ValidationError{Message: fmt.Sprintf("reference id for %q is the nil uuid", r.EntitySet)}
	}
	return nil
}
