package tenant

import (
	"context"
)

// Info holds the resolved tenant metadata for the current request.
type Info struct {
	ID   string
	Tier string
}

type contextKey string

const infoKey contextKey = "tenant_info"

// NewContext stores tenant info in the context.
func NewContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// FromContext extracts the tenant info from the context.
// Returns nil if no tenant is set.
func FromContext(ctx context.Context) *Info {
	v, _ := ctx.Value(infoKey).(*Info)
	return v
}
