package loop

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFragmentNotFound is a substitution fault: the target text does not occur
// verbatim in the artifact.
var ErrFragmentNotFound = errors.New("target fragment not found in artifact")

// Substitute replaces the first exact occurrence of target in artifact.
// There is no fuzzy matching; a miss is reported as ErrFragmentNotFound.
func Substitute(artifact, target, replacement string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("%w: target is empty", ErrFragmentNotFound)
	}
	idx := strings.Index(artifact, target)
	if idx < 0 {
		return "", ErrFragmentNotFound
	}
	return artifact[:idx] + replacement + artifact[idx+len(target):], nil
}
