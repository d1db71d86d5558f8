package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/fieldkit/internal/types"
	"github.com/hyperengineering/fieldkit/internal/validation"
)

// instanceContextKey is the context key for the instance addressed by the URL.
type instanceContextKey struct{}

// ErrNoInstanceInContext indicates no instance key was found in the context.
var ErrNoInstanceInContext = errors.New("no instance in context")

// WithInstance returns a new context with the instance key attached.
func WithInstance(ctx context.Context, key types.InstanceKey) context.Context {
	return context.WithValue(ctx, instanceContextKey{}, key)
}

// InstanceFromContext extracts the instance key from the context.
func InstanceFromContext(ctx context.Context) (types.InstanceKey, error) {
	key, ok := ctx.Value(instanceContextKey{}).(types.InstanceKey)
	if !ok {
		return types.InstanceKey{}, ErrNoInstanceInContext
	}
	return key, nil
}

// MustInstanceFromContext extracts the instance key or panics.
// Use only when InstanceMiddleware guarantees its presence.
func MustInstanceFromContext(ctx context.Context) types.InstanceKey {
	key, err := InstanceFromContext(ctx)
	if err != nil {
		panic("instance not in context: middleware misconfiguration")
	}
	return key
}

// InstanceMiddleware builds the instance key from the
// {program}/{period}/{orgUnit}/{aoc} path segments and rejects malformed
// identifiers with 422.
func InstanceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := types.InstanceKey{
			ProgramID:              chi.URLParam(r, "program"),
			Period:                 chi.URLParam(r, "period"),
			OrgUnitID:              chi.URLParam(r, "orgUnit"),
			AttributeOptionComboID: chi.URLParam(r, "aoc"),
		}
		if err := validation.ValidateInstanceKey(key); err != nil {
			MapError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithInstance(r.Context(), key)))
	})
}
