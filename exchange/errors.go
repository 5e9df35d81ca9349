package exchange

import "errors"

var (
	// ErrDestination is raised for a destination rank outside the world.
	ErrDestination = errors.New("exchange: destination rank out of range")
	// ErrNotMapped is raised when asking for a mapped send table of a pair
	// built without WithMappedSend.
	ErrNotMapped = errors.New("exchange: send tables are not mapped")
	// ErrFragmented is raised when a send table holds freed slots.
	ErrFragmented = errors.New("exchange: send table has freed slots")
	// ErrLoopback is raised when the bytes a rank sent to itself differ from
	// the bytes it received from itself.
	ErrLoopback = errors.New("exchange: self-to-self segment corrupted")
	// ErrSegment is returned when a decoded segment does not hold a whole
	// number of rows.
	ErrSegment = errors.New("exchange: segment is not a whole number of rows")
)
