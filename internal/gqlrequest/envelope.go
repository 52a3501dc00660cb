// Package gqlrequest decodes GraphQL HTTP requests and summarizes the bulk
// writes they ask for, without executing them.
package gqlrequest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// Envelope is the transport-independent form of one GraphQL request.
type Envelope struct {
	Method      string
	ContentType string

	Query         string
	OperationName string
	// Variables keeps JSON numbers as json.Number.
	Variables map[string]any

	DocumentSizeBytes int
}

// DecodeEnvelope extracts the GraphQL payload from an HTTP request and rewinds
// the body so downstream handlers can read it again.
func DecodeEnvelope(r *http.Request) (Envelope, error) {
	if r == nil {
		return Envelope{}, fmt.Errorf("request is nil")
	}

	env := Envelope{
		Method:      r.Method,
		ContentType: r.Header.Get("Content-Type"),
	}

	switch {
	case r.Method == http.MethodGet:
		q := r.URL.Query()
		env.Query = q.Get("query")
		env.OperationName = q.Get("operationName")
		if raw := q.Get("variables"); raw != "" {
			if err := decodeJSON([]byte(raw), &env.Variables); err != nil {
				return env, fmt.Errorf("invalid variables: %w", err)
			}
		}
		env.DocumentSizeBytes = len(env.Query)
		return env, nil
	case r.Method != http.MethodPost || r.Body == nil:
		return env, nil
	}

	body, err := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return env, err
	}

	mediaType, _, parseErr := mime.ParseMediaType(env.ContentType)
	if parseErr != nil || mediaType == "" {
		mediaType = strings.TrimSpace(env.ContentType)
	}

	if mediaType == "application/graphql" {
		env.Query = string(body)
		env.DocumentSizeBytes = len(env.Query)
		return env, nil
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return env, nil
	}
	var payload struct {
		Query         string         `json:"query"`
		OperationName string         `json:"operationName"`
		Variables     map[string]any `json:"variables"`
	}
	if err := decodeJSON(trimmed, &payload); err != nil {
		return env, err
	}
	env.Query = payload.Query
	env.OperationName = payload.OperationName
	env.Variables = payload.Variables
	env.DocumentSizeBytes = len(env.Query)
	return env, nil
}

func decodeJSON(data []byte, into any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(into)
}
