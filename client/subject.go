package client

import (
	"fmt"
	"strings"
)

// ValidateSubject checks that s is a usable subject: no whitespace and no
// empty tokens. An empty subject is accepted only when not required.
func ValidateSubject(s string, required bool) error {
	if err := validateSubject(s, required); err != nil {
		return fmt.Errorf("%q: %w", s, ErrInvalidSubject)
	}
	return nil
}

func ValidateReplyTo(s string, required bool) error {
	if err := validateSubject(s, required); err != nil {
		return fmt.Errorf("%q: %w", s, ErrInvalidReply)
	}
	return nil
}

func validateSubject(s string, required bool) error {
	if s == "" {
		if required {
			return ErrValidation
		}
		return nil
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return ErrValidation
	}
	if s[0] == '.' || s[len(s)-1] == '.' || strings.Contains(s, "..") {
		return ErrValidation
	}
	return nil
}
