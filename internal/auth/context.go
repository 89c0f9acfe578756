// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	installIDKey contextKey = "install_id"
)

// SetUserID sets the user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetInstallID sets the client install ID in the context
func SetInstallID(ctx context.Context, installID string) context.Context {
	return context.WithValue(ctx, installIDKey, installID)
}

// GetInstallID retrieves the client install ID from the context
func GetInstallID(ctx context.Context) (string, bool) {
	installID, ok := ctx.Value(installIDKey).(string)
	return installID, ok
}

// SetAuthContext sets both user and install ID in the context
func SetAuthContext(ctx context.Context, userID, installID string) context.Context {
	ctx = SetUserID(ctx, userID)
	ctx = SetInstallID(ctx, installID)
	return ctx
}
