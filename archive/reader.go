package archive

import (
	"context"
	"fmt"
	"os"
)

// ReadUnit fetches and decodes the unit stored at key
func ReadUnit[R any](ctx context.Context, store Store, key string) (Unit[R], error) {

	data, err := store.Get(ctx, key)

	if err != nil {
		return Unit[R]{}, fmt.Errorf("error reading archive unit %s: %w", key, err)
	}

	return Decode[R](data)
}

// ReadFile decodes a unit from a file on disk
func ReadFile[R any](path string) (Unit[R], error) {

	data, err := os.ReadFile(path)

	if err != nil {
		return Unit[R]{}, fmt.Errorf("error reading archive file: %w", err)
	}

	return Decode[R](data)
}
