package context

import (
	"context"

	"github.com/google/uuid"

	"github.com/welldanyogia/ipam/backend/internal/clientinfo"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserIDKey is the context key for the authenticated account id
	UserIDKey ContextKey = "user_id"
	// RoleKey is the context key for the authenticated account role
	RoleKey ContextKey = "role"
	// ClientKey is the context key for the resolved client metadata
	ClientKey ContextKey = "client"
)

// WithUser attaches the authenticated account to ctx
func WithUser(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, RoleKey, role)
}

// WithClient attaches the client metadata to ctx
func WithClient(ctx context.Context, client clientinfo.ClientContext) context.Context {
	return context.WithValue(ctx, ClientKey, client)
}

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

// ExtractRole extracts the account role from the request context
func ExtractRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(RoleKey).(string)
	return role, ok
}

// ExtractClient extracts the client metadata from the request context
func ExtractClient(ctx context.Context) (clientinfo.ClientContext, bool) {
	client, ok := ctx.Value(ClientKey).(clientinfo.ClientContext)
	return client, ok
}

// ExtractAccountID parses the authenticated account id, nil when anonymous
func ExtractAccountID(ctx context.Context) *uuid.UUID {
	raw, ok := ExtractUserID(ctx)
	if !ok {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}
