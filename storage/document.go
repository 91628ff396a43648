package storage

import (
	"github.com/bytedance/sonic"
)

// Document is a schema-flexible record replicated between the local
// database and the remote table.
type Document struct {
	ID        string         `json:"id"`
	Rev       int64          `json:"rev"`
	CreatedAt int64          `json:"createdAt"`
	Deleted   bool           `json:"deleted,omitempty"`
	Body      map[string]any `json:"body,omitempty"`
}

func (d Document) clone() Document {
	d.Body = cloneBody(d.Body)
	return d
}

func cloneBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	return out
}

func encodeBody(body map[string]any) (string, error) {
	if body == nil {
		return "{}", nil
	}
	return sonic.MarshalString(body)
}

func decodeBody(raw string) (map[string]any, error) {
	body := map[string]any{}
	if raw == "" {
		return body, nil
	}
	if err := sonic.UnmarshalString(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// ChangeKind describes what happened to a document.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// Change is delivered to subscribers for every local write and every
// document applied from the remote.
type Change struct {
	Kind   ChangeKind
	Doc    Document
	Remote bool
}

// RemoteAuth holds the credentials presented to the remote endpoint.
type RemoteAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RemoteOptions configures the connection to the remote endpoint.
type RemoteOptions struct {
	Auth RemoteAuth `json:"auth"`
}

// Model supplies the identity, remote target and ordering of a store.
type Model interface {
	Name() string
	URLRemote() string
	OptionsRemote() RemoteOptions
	SortData(docs []Document)
}
