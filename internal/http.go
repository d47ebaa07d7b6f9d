package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ListenAndServeContext runs the server until the context is cancelled.
// Returns http.ErrServerClosed when the server was closed.
func ListenAndServeContext(ctx context.Context, server *http.Server) error {
	go func() {
		<-ctx.Done()

		_ = server.Close()
	}()

	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return err //nolint:wrapcheck
	} else if err != nil {
		return fmt.Errorf("failed to start listening: %w", err)
	}

	return nil
}
