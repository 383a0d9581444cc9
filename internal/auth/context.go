// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated request identity through contexts
// so store code can read it without extra parameters.
package auth

import "context"

type ownerIDKey struct{}
type deviceIDKey struct{}

// SetOwnerID returns a context carrying the authenticated owner id.
func SetOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey{}, ownerID)
}

// GetOwnerID reads the owner id stamped during authentication.
func GetOwnerID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ownerIDKey{}).(string)
	return v, ok
}

// SetDeviceID returns a context carrying the originating device id.
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey{}, deviceID)
}

// GetDeviceID reads the device id stamped during authentication.
func GetDeviceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(deviceIDKey{}).(string)
	return v, ok
}
