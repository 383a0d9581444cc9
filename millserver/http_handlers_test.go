// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openmill/millbook/millsync"
)

// staticAuth authenticates every request as a fixed owner/device pair.
type staticAuth struct {
	ownerID  string
	deviceID string
	err      error
}

func (a *staticAuth) GetOwnerID(r *http.Request) (string, error)  { return a.ownerID, a.err }
func (a *staticAuth) GetDeviceID(r *http.Request) (string, error) { return a.deviceID, a.err }

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestWriteServiceErrorVersionConflictCarriesServerRecord(t *testing.T) {
	h := NewHTTPHandlers(nil, &staticAuth{ownerID: "owner-1"}, nil)
	server := json.RawMessage(`{"id":"t1","version":5,"payment_status":"partial"}`)

	rec := httptest.NewRecorder()
	h.writeServiceError(rec, &VersionConflict{Kind: millsync.KindTransaction, ID: "t1", Server: server}, "update", millsync.KindTransaction)

	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	require.Equal(t, "version_conflict", resp.Error)
	require.JSONEq(t, string(server), string(resp.ServerRecord))
}

func TestWriteServiceErrorStatusMapping(t *testing.T) {
	h := NewHTTPHandlers(nil, &staticAuth{ownerID: "owner-1"}, nil)
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"missing table", fmt.Errorf("%w: receivables", ErrTableMissing), http.StatusNotFound, "table_missing"},
		{"not found", fmt.Errorf("%w: transactions t9", ErrNotFound), http.StatusNotFound, "not_found"},
		{"unknown kind", fmt.Errorf("%w: %q", ErrUnknownKind, "users"), http.StatusNotFound, "unknown_kind"},
		{"internal", errors.New("pool exhausted"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeServiceError(rec, tc.err, "list", millsync.KindTransaction)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.code, decodeError(t, rec).Error)
		})
	}
}

func TestHandlersRejectUnauthenticatedRequests(t *testing.T) {
	h := NewHTTPHandlers(nil, &staticAuth{err: errors.New("no token")}, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/transactions", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "authentication_failed", decodeError(t, rec).Error)
}

func TestHandlersRejectUnknownCollection(t *testing.T) {
	h := NewHTTPHandlers(nil, &staticAuth{ownerID: "owner-1", deviceID: "device-a"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/users", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "unknown_kind", decodeError(t, rec).Error)
}

func TestHandleInsertRequiresBody(t *testing.T) {
	h := NewHTTPHandlers(nil, &staticAuth{ownerID: "owner-1", deviceID: "device-a"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/transactions", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeError(t, rec).Error)
}

func TestHandleDeleteRejectsBadBaseVersion(t *testing.T) {
	h := NewHTTPHandlers(nil, &staticAuth{ownerID: "owner-1", deviceID: "device-a"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/transactions/t1?base_version=soon", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeError(t, rec).Error)
}
