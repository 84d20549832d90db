package backend

import (
	"context"

	errs "github.com/drayq/drayq/internal/errors"
)

// nopStore is used when no result backend is configured: writes vanish,
// reads miss. The worker's delivery guarantees do not depend on it.
type nopStore struct{}

func NewNopStore() Store {
	return nopStore{}
}

func (nopStore) Close() error {
	return nil
}

func (nopStore) Put(context.Context, *Entry) error {
	return nil
}

func (nopStore) Get(_ context.Context, _ string) (*Entry, error) {
	return nil, errs.NewErrNotFound("result")
}
