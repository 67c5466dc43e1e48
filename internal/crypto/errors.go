package crypto

import "errors"

var (
	ErrNonFiniteFloat  = errors.New("non-finite float values are not allowed")
	ErrUnsupportedType = errors.New("unsupported type for canonicalization")
	ErrKeyCollision    = errors.New("normalized map key collision")
)
