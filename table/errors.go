package table

import "errors"

var (
	// ErrSlotRange is raised for a slot outside [0, HWM).
	ErrSlotRange = errors.New("table: slot out of range")
	// ErrAlreadyFreed is raised when freeing a freed slot.
	ErrAlreadyFreed = errors.New("table: slot already freed")
	// ErrProtected is raised when freeing or clearing a protected slot.
	ErrProtected = errors.New("table: slot is protected")
	// ErrSlotSizeMismatch is raised when copying between tables of different slot sizes.
	ErrSlotSizeMismatch = errors.New("table: slot size mismatch")
	// ErrNoKey is raised when indexing a layout without a key field.
	ErrNoKey = errors.New("table: layout has no key field")
	// ErrKeySize is raised when a key does not match the key field size.
	ErrKeySize = errors.New("table: key size mismatch")
	// ErrDuplicateKey is raised when inserting a key that is already present.
	ErrDuplicateKey = errors.New("table: duplicate key")
	// ErrNotFound is raised when erasing a lookup result that located nothing.
	ErrNotFound = errors.New("table: key not found")
	// ErrBucketRange is raised for a bucket index outside the bucket array.
	ErrBucketRange = errors.New("table: bucket out of range")
	// ErrReleaseUnderflow is raised when releasing an unprotected slot.
	ErrReleaseUnderflow = errors.New("table: release without protect")
	// ErrProtectorClosed is raised when using a closed protector.
	ErrProtectorClosed = errors.New("table: protector closed")
	// ErrHWM is raised when setting a high-water mark the table cannot hold.
	ErrHWM = errors.New("table: invalid high-water mark")
	// ErrCorrupt is returned by the verification methods.
	ErrCorrupt = errors.New("table: inconsistent state")
	// ErrTransfer is raised when a transfer payload is inconsistent with its count.
	ErrTransfer = errors.New("table: corrupt transfer")
)
