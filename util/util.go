// Package util contains misc internal utilities used by the bridge's
// command-line entry point.
package util

import (
	"fmt"
	"strings"
	"time"
)

// MergeErrors converts many errors to a single one, newline separated.
// Used when shutting down several local endpoints at once, where each
// Close may fail independently and none should be lost.
func MergeErrors(errs []error) error {
	var strs []string
	for idx := 0; idx < len(errs); idx++ {
		err := errs[idx]
		if err != nil {
			strs = append(strs, err.Error())
		}
	}
	err := fmt.Errorf(strings.Join(strs, "\n"))
	if err.Error() == "" {
		return nil
	}
	return err
}

// SecsToDuration converts floating point seconds to a time.Duration. No
// other package of this module calls it.
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
