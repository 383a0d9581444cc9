// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, v any) *http.Response {
	body, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func newTestGateway(rt roundTripFunc) *HTTPGateway {
	g := NewHTTPGateway("http://millbook.test", func(context.Context) (string, error) {
		return "test-token", nil
	})
	g.HTTP = &http.Client{Transport: rt}
	return g
}

func TestHTTPGatewayListDecodesRecords(t *testing.T) {
	payload, err := MarshalRecord(&Transaction{Meta: Meta{ID: "t1", OwnerID: testOwner, Version: 2}, CustomerName: "Asha", Total: 500})
	require.NoError(t, err)

	var captured *http.Request
	g := newTestGateway(func(r *http.Request) (*http.Response, error) {
		captured = r
		return jsonResponse(http.StatusOK, recordsEnvelope{Records: []json.RawMessage{payload}}), nil
	})

	recs, err := g.List(context.Background(), KindTransaction, testOwner)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "Asha", recs[0].DisplayName())
	require.Equal(t, int64(2), recs[0].BaseVersion())

	require.Equal(t, http.MethodGet, captured.Method)
	require.Equal(t, "/api/transactions", captured.URL.Path)
	require.Equal(t, "Bearer test-token", captured.Header.Get("Authorization"))
}

func TestHTTPGatewayUpdateMapsVersionConflict(t *testing.T) {
	server, err := MarshalRecord(&Transaction{Meta: Meta{ID: "t1", OwnerID: testOwner, Version: 5}, CustomerName: "Asha", PaymentStatus: PaymentPartial, PaidAmount: 200})
	require.NoError(t, err)

	g := newTestGateway(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusConflict, errorEnvelope{
			Error:        "version_conflict",
			ServerRecord: server,
		}), nil
	})

	_, err = g.Update(context.Background(), &Transaction{Meta: Meta{ID: "t1", OwnerID: testOwner, Version: 4}, CustomerName: "Asha", PaymentStatus: PaymentPaid})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, KindTransaction, conflict.Kind)
	require.Equal(t, "t1", conflict.ID)
	require.Equal(t, int64(5), conflict.Server.BaseVersion())
	require.Equal(t, PaymentPartial, conflict.Server.(*Transaction).PaymentStatus)
}

func TestHTTPGatewayListMapsMissingTable(t *testing.T) {
	g := newTestGateway(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, errorEnvelope{Error: "table_missing", Message: "relation does not exist"}), nil
	})

	_, err := g.List(context.Background(), KindReceivable, testOwner)
	require.ErrorIs(t, err, ErrTableMissing)
}

func TestHTTPGatewayDeleteSendsBaseVersion(t *testing.T) {
	var captured *http.Request
	g := newTestGateway(func(r *http.Request) (*http.Response, error) {
		captured = r
		return jsonResponse(http.StatusNoContent, nil), nil
	})

	require.NoError(t, g.Delete(context.Background(), KindExpense, "e1", 7))
	require.Equal(t, http.MethodDelete, captured.Method)
	require.Equal(t, "/api/expenses/e1", captured.URL.Path)
	require.Equal(t, "7", captured.URL.Query().Get("base_version"))
}

func TestHTTPGatewayInsertManyRoundTrip(t *testing.T) {
	g := newTestGateway(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/api/services/batch" {
			return nil, fmt.Errorf("unexpected path %s", r.URL.Path)
		}
		var env recordsEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			return nil, err
		}
		// Echo the batch back with server versions stamped.
		out := recordsEnvelope{}
		for _, raw := range env.Records {
			rec, err := UnmarshalRecord(KindService, raw)
			if err != nil {
				return nil, err
			}
			rec.meta().Version = 1
			stamped, err := MarshalRecord(rec)
			if err != nil {
				return nil, err
			}
			out.Records = append(out.Records, stamped)
		}
		return jsonResponse(http.StatusCreated, out), nil
	})

	recs, err := g.InsertMany(context.Background(), KindService, []Record{
		&Service{Meta: Meta{ID: "s1", OwnerID: testOwner}, Name: "Grinding", Type: ServiceGrinding},
		&Service{Meta: Meta{ID: "s2", OwnerID: testOwner}, Name: "Sale", Type: ServiceSale},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		require.Equal(t, int64(1), r.BaseVersion())
	}
}

func TestHTTPGatewaySurfacesServerErrorDetail(t *testing.T) {
	g := newTestGateway(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusInternalServerError, errorEnvelope{Error: "internal", Message: "pool exhausted"}), nil
	})

	_, err := g.List(context.Background(), KindTransaction, testOwner)
	require.Error(t, err)
	require.Contains(t, err.Error(), "internal")
	require.Contains(t, err.Error(), "pool exhausted")
}

func TestHTTPGatewayTokenFailureShortCircuits(t *testing.T) {
	called := false
	g := NewHTTPGateway("http://millbook.test", func(context.Context) (string, error) {
		return "", errors.New("keystore locked")
	})
	g.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		called = true
		return nil, errors.New("should not be reached")
	})}

	_, err := g.List(context.Background(), KindTransaction, testOwner)
	require.Error(t, err)
	require.Contains(t, err.Error(), "auth token")
	require.False(t, called, "no request leaves the client without a token")
}
