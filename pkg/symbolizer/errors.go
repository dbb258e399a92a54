package symbolizer

import (
	"errors"
	"fmt"
)

// ErrNoObject is returned when the input contains no parseable object.
var ErrNoObject = errors.New("no supported object found")

type cacheNotFoundError struct {
	buildID string
}

func (e cacheNotFoundError) Error() string {
	return fmt.Sprintf("no cache loaded for build ID %s", e.buildID)
}

// IsCacheNotFound reports whether err means no cache was loaded for the
// requested build ID.
func IsCacheNotFound(err error) bool {
	var nf cacheNotFoundError
	return errors.As(err, &nf)
}
