package repository

import (
	"github.com/timmy/harvest/internal/errors"
	"gorm.io/gorm"
)

// translate maps gorm errors onto the harvester taxonomy and attaches the
// identifier of the record involved.
func translate(err error, format string, args ...interface{}) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errors.Wrapf(errors.ErrNotFound, format, args...)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errors.Wrapf(errors.ErrAlreadyExists, format, args...)
	default:
		return errors.Wrapf(err, format, args...)
	}
}
