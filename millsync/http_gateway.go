// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPGateway talks to a millserver instance over its JSON API. The token
// func returns a bearer token (JWT) naming the owner; the server enforces
// owner scoping from the token, not from request parameters.
type HTTPGateway struct {
	BaseURL string
	Token   func(context.Context) (string, error)
	HTTP    *http.Client
}

// NewHTTPGateway creates a gateway against baseURL.
func NewHTTPGateway(baseURL string, token func(context.Context) (string, error)) *HTTPGateway {
	return &HTTPGateway{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// wire envelope shared with millserver.
type recordsEnvelope struct {
	Records []json.RawMessage `json:"records"`
}

type errorEnvelope struct {
	Error        string          `json:"error"`
	Message      string          `json:"message,omitempty"`
	ServerRecord json.RawMessage `json:"server_record,omitempty"`
}

func (g *HTTPGateway) List(ctx context.Context, kind Kind, ownerID string) ([]Record, error) {
	body, err := g.do(ctx, http.MethodGet, g.collectionURL(kind), nil, kind, "")
	if err != nil {
		return nil, err
	}
	var env recordsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}
	out := make([]Record, 0, len(env.Records))
	for _, raw := range env.Records {
		rec, err := UnmarshalRecord(kind, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (g *HTTPGateway) Insert(ctx context.Context, rec Record) (Record, error) {
	payload, err := MarshalRecord(rec)
	if err != nil {
		return nil, err
	}
	body, err := g.do(ctx, http.MethodPost, g.collectionURL(rec.Kind()), payload, rec.Kind(), rec.RecordID())
	if err != nil {
		return nil, err
	}
	return UnmarshalRecord(rec.Kind(), body)
}

func (g *HTTPGateway) Update(ctx context.Context, rec Record) (Record, error) {
	payload, err := MarshalRecord(rec)
	if err != nil {
		return nil, err
	}
	u := g.recordURL(rec.Kind(), rec.RecordID())
	body, err := g.do(ctx, http.MethodPut, u, payload, rec.Kind(), rec.RecordID())
	if err != nil {
		return nil, err
	}
	return UnmarshalRecord(rec.Kind(), body)
}

func (g *HTTPGateway) Delete(ctx context.Context, kind Kind, id string, baseVersion int64) error {
	u := fmt.Sprintf("%s?base_version=%d", g.recordURL(kind, id), baseVersion)
	_, err := g.do(ctx, http.MethodDelete, u, nil, kind, id)
	return err
}

func (g *HTTPGateway) InsertMany(ctx context.Context, kind Kind, recs []Record) ([]Record, error) {
	env := recordsEnvelope{Records: make([]json.RawMessage, 0, len(recs))}
	for _, rec := range recs {
		payload, err := MarshalRecord(rec)
		if err != nil {
			return nil, err
		}
		env.Records = append(env.Records, payload)
	}
	reqBody, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}
	body, err := g.do(ctx, http.MethodPost, g.collectionURL(kind)+"/batch", reqBody, kind, "")
	if err != nil {
		return nil, err
	}
	var out recordsEnvelope
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}
	result := make([]Record, 0, len(out.Records))
	for _, raw := range out.Records {
		rec, err := UnmarshalRecord(kind, raw)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, nil
}

func (g *HTTPGateway) DeleteAll(ctx context.Context, kind Kind, ownerID string) error {
	_, err := g.do(ctx, http.MethodDelete, g.collectionURL(kind), nil, kind, "")
	return err
}

func (g *HTTPGateway) collectionURL(kind Kind) string {
	return g.BaseURL + "/api/" + url.PathEscape(string(kind))
}

func (g *HTTPGateway) recordURL(kind Kind, id string) string {
	return g.collectionURL(kind) + "/" + url.PathEscape(id)
}

// do performs one request with bearer auth and maps non-2xx responses onto
// the gateway error contract.
func (g *HTTPGateway) do(ctx context.Context, method, rawURL string, body []byte, kind Kind, id string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	token, err := g.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	var env errorEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	switch {
	case resp.StatusCode == http.StatusConflict && len(env.ServerRecord) > 0:
		server, err := UnmarshalRecord(kind, env.ServerRecord)
		if err != nil {
			return nil, fmt.Errorf("failed to decode conflicting server record: %w", err)
		}
		return nil, &ConflictError{Kind: kind, ID: id, Server: server}
	case env.Error == "table_missing":
		return nil, fmt.Errorf("%w: %s", ErrTableMissing, kind)
	default:
		return nil, fmt.Errorf("server returned %s (%d): %s", env.Error, resp.StatusCode, env.Message)
	}
}

var _ Gateway = (*HTTPGateway)(nil)
