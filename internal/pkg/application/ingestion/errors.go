package ingestion

import "errors"

var (
	ErrMalformedInput = errors.New("malformed input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrUnknownDevice  = errors.New("unknown device")
)

// unwrapAll flattens errors created with errors.Join.
func unwrapAll(err error) []error {
	if err == nil {
		return nil
	}

	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := []error{}
		for _, e := range joined.Unwrap() {
			errs = append(errs, unwrapAll(e)...)
		}
		return errs
	}

	return []error{err}
}
