package transfer

import (
	"errors"
	"testing"
)

func TestValidateRelPath(t *testing.T) {
	good := []string{"a", "a/b.txt", "deep/nested/tree/file", "weird name/ok"}
	for _, rel := range good {
		if err := validateRelPath(rel); err != nil {
			t.Errorf("%q rejected: %v", rel, err)
		}
	}

	bad := []string{
		"",
		".",
		"/etc/passwd",
		"../escape",
		"a/../../escape",
		"a/./b",
		"a//b",
		"a\\b",
		"trailing/",
	}
	for _, rel := range bad {
		if err := validateRelPath(rel); !errors.Is(err, ErrInvalidRelPath) {
			t.Errorf("%q accepted (err=%v)", rel, err)
		}
	}
}
