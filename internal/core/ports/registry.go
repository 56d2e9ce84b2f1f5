package ports

import "context"

// Person is the payload returned by the person-registry lookup. The registry
// schema is wider; only the fields this module consumes are mapped.
type Person struct {
	IDNP      string
	FirstName string
	LastName  string
}

// PersonRegistry is the port for the outbound person-registry lookup
// (MConnect GetPerson). A lookup is a single bounded-timeout attempt; callers
// decide on retry policy.
type PersonRegistry interface {
	GetPerson(ctx context.Context, idnp string) (*Person, error)
}
