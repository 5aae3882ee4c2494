package storage

import (
	"errors"
	"fmt"
	"io/fs"
)

// Storage errors.
var (
	ErrConfig             = errors.New("error reading config file")
	ErrNoMatch            = errors.New("no matching entry in storage.conf")
	ErrNotFound           = errors.New("token not found")
	ErrUninit             = errors.New("storage method is not initialized")
	ErrBadHandle          = errors.New("bad article handle")
	ErrBadToken           = errors.New("bad token")
	ErrNoBody             = errors.New("no article body found")
	ErrInternal           = errors.New("internal error")
	ErrReadOnly           = fmt.Errorf("%w: read only storage api", ErrInternal)
	ErrAlreadyInitialized = errors.New("storage manager already initialized")
	ErrUnsupported        = errors.New("operation not supported by storage method")
)

// ConfigError locates a problem in the policy file.
type ConfigError struct {
	File string
	Line int
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Msg)
}

// Unwrap makes every ConfigError match ErrConfig.
func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// Undefined classifies an operating system error returned by a storage
// method. A missing file becomes ErrNotFound; everything else is returned
// unchanged.
func Undefined(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
