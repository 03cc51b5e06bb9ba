package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Kind classifies a failed fetch.
type Kind int

const (
	// Network failures are transient and retried by asking again.
	Network Kind = iota
	// Decoding failures mean the response was malformed. They are not retried automatically.
	Decoding
)

func (k Kind) String() string {
	switch k {
	case Decoding:
		return "decoding"
	default:
		return "network"
	}
}

var (
	ErrNetwork  = errors.New("network failure")
	ErrDecoding = errors.New("decoding failure")
)

// FetchError is returned by every Source and image fetcher in this package.
type FetchError struct {
	Kind Kind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == Network
	case ErrDecoding:
		return e.Kind == Decoding
	}
	return false
}

func NetworkError(err error) error {
	return &FetchError{Kind: Network, Err: err}
}

func DecodingError(err error) error {
	return &FetchError{Kind: Decoding, Err: err}
}

// Classify maps any fetch error to a Kind. Unknown errors count as Network
// so that the caller can retry.
func Classify(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, io.ErrUnexpectedEOF):
		return Decoding
	}
	return Network
}
