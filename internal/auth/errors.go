package auth

import "errors"

// ErrInvalidToken is returned for tokens that parse but fail validation.
var ErrInvalidToken = errors.New("auth: invalid token")
