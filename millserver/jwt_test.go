// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millserver

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWTGenerateValidateRoundTrip(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	token, err := auth.GenerateToken("owner-1", "device-a", time.Hour)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "owner-1", claims.Subject)
	require.Equal(t, "device-a", claims.DeviceID)
	require.Equal(t, "millbook", claims.Issuer)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-one").GenerateToken("owner-1", "device-a", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-two").ValidateToken(token)
	require.Error(t, err)
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	token, err := auth.GenerateToken("owner-1", "device-a", -time.Minute)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTOwnerAndDeviceFromRequest(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	token, err := auth.GenerateToken("owner-1", "device-a", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/transactions", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	ownerID, err := auth.GetOwnerID(r)
	require.NoError(t, err)
	require.Equal(t, "owner-1", ownerID)

	deviceID, err := auth.GetDeviceID(r)
	require.NoError(t, err)
	require.Equal(t, "device-a", deviceID)
}

func TestJWTRequestWithoutBearerFails(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	r := httptest.NewRequest("GET", "/api/transactions", nil)
	_, err := auth.GetOwnerID(r)
	require.Error(t, err)

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = auth.GetOwnerID(r)
	require.Error(t, err)
}
