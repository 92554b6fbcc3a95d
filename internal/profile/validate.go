// Package profile maps profile names to their on-disk layout under
// ~/.synapse/profiles.
package profile

import (
	"errors"
	"fmt"
	"regexp"
)

var ErrInvalidName = errors.New("invalid profile name")

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to profile naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: must match ^[a-z0-9_-]{1,64}$", ErrInvalidName, name)
	}
	return nil
}
