package lyrics

import "errors"

var (
	ErrProviderUnavailable = errors.New("lyrics provider unavailable")
	ErrInferenceTimeout    = errors.New("lyrics inference timeout")
	ErrEmptyLyrics         = errors.New("lyrics provider returned empty output")
)
