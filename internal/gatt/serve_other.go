//go:build !linux

package gatt

import (
	"context"

	"github.com/pkg/errors"
)

// Serve is only available on linux, where BlueZ runs.
func (a *Application) Serve(ctx context.Context) error {
	return errors.New("gatt: BlueZ peripheral requires linux")
}
