package workspace

import "errors"

var (
	ErrUnknownField        = errors.New("unknown workspace field")
	ErrReadOnly            = errors.New("workspace field is read-only")
	ErrTooLarge            = errors.New("workspace field exceeds size cap")
	ErrInvalidContent      = errors.New("workspace field is not well-formed text")
	ErrInvalidManifest     = errors.New("invalid workspace manifest")
	ErrIncompatibleVersion = errors.New("incompatible workspace contract version")
	ErrClosed              = errors.New("workspace is closed")
)
