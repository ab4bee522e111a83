package files

import "fmt"

// MaxFileSize is the largest accepted payload, 10 MiB.
const MaxFileSize = 10 << 20

// Validate checks one upload candidate before any I/O. Rules are applied in
// order and the first violation is returned.
func Validate(data []byte, name, contentType string) error {
	switch {
	case data == nil:
		return fmt.Errorf("%w: file data is required", ErrValidation)
	case len(data) < 1:
		return fmt.Errorf("%w: file is empty", ErrValidation)
	case len(data) > MaxFileSize:
		return fmt.Errorf("%w: file size %d exceeds maximum of %d bytes", ErrValidation, len(data), MaxFileSize)
	case name == "":
		return fmt.Errorf("%w: file name is required", ErrValidation)
	case contentType == "":
		return fmt.Errorf("%w: content type is required", ErrValidation)
	}
	return nil
}
