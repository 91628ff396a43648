package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"github.com/randyvpcode/task-manager/domain"
)

const (
	edmInt64         = "Edm.Int64"
	maxPutAttempts   = 5
	minTableNameSize = 3
	maxTableNameSize = 63
)

// Remote is the replication target of a store.
type Remote interface {
	EnsureTable(ctx context.Context) error
	// Put writes doc unless the remote already holds the same or a newer
	// revision, in which case it returns an error wrapping domain.ErrConflict.
	Put(ctx context.Context, doc Document) error
	// ListSince returns documents, tombstones included, with Rev > rev.
	ListSince(ctx context.Context, rev int64) ([]Document, error)
}

// RemoteFactory builds a Remote for the given endpoint and database name.
type RemoteFactory func(url string, opts RemoteOptions, name string) (Remote, error)

// tableAPI is the subset of the table client used by TableRemote.
type tableAPI interface {
	createTable(ctx context.Context) error
	getEntity(ctx context.Context, pk, rk string) ([]byte, azcore.ETag, error)
	addEntity(ctx context.Context, payload []byte) error
	replaceEntity(ctx context.Context, payload []byte, etag azcore.ETag) error
	listEntities(ctx context.Context, filter string) ([][]byte, error)
}

// TableRemote replicates documents into an Azure Storage table. Every
// document of a database lives in one partition keyed by the database name.
type TableRemote struct {
	table     tableAPI
	partition string
}

// NewTableRemote connects to the table service at serviceURL, which may also
// be a storage connection string. A non-empty username selects shared key
// auth with the password as account key.
func NewTableRemote(serviceURL string, opts RemoteOptions, name string) (Remote, error) {
	clientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}

	var (
		svc *aztables.ServiceClient
		err error
	)
	switch {
	case isConnectionString(serviceURL):
		svc, err = aztables.NewServiceClientFromConnectionString(serviceURL, &clientOptions)
	case opts.Auth.Username != "":
		cred, credErr := aztables.NewSharedKeyCredential(opts.Auth.Username, opts.Auth.Password)
		if credErr != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrUnauthorized, credErr)
		}
		svc, err = aztables.NewServiceClientWithSharedKey(serviceURL, cred, &clientOptions)
	default:
		svc, err = aztables.NewServiceClientWithNoCredential(serviceURL, &clientOptions)
	}
	if err != nil {
		return nil, err
	}
	return &TableRemote{
		table:     azureTable{client: svc.NewClient(TableName(name))},
		partition: name,
	}, nil
}

func isConnectionString(s string) bool {
	return strings.Contains(s, "AccountName=") || strings.Contains(s, "UseDevelopmentStorage=")
}

// TableName turns a database name into a valid table name: alphanumeric,
// starting with a letter, 3 to 63 characters.
func TableName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" || !unicode.IsLetter(rune(out[0])) {
		out = "t" + out
	}
	for len(out) < minTableNameSize {
		out += "0"
	}
	if len(out) > maxTableNameSize {
		out = out[:maxTableNameSize]
	}
	return out
}

type documentEntity struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	Rev           int64  `json:"Rev,string"`
	RevType       string `json:"Rev@odata.type"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	Deleted       bool   `json:"Deleted"`
	Body          string `json:"Body"`
}

func encodeEntity(partition string, doc Document) ([]byte, error) {
	body, err := encodeBody(doc.Body)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(documentEntity{
		PartitionKey:  partition,
		RowKey:        doc.ID,
		Rev:           doc.Rev,
		RevType:       edmInt64,
		CreatedAt:     doc.CreatedAt,
		CreatedAtType: edmInt64,
		Deleted:       doc.Deleted,
		Body:          body,
	})
}

func decodeEntity(data []byte) (Document, error) {
	var ent documentEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return Document{}, err
	}
	body, err := decodeBody(ent.Body)
	if err != nil {
		return Document{}, fmt.Errorf("decode body of %s: %w", ent.RowKey, err)
	}
	return Document{
		ID:        ent.RowKey,
		Rev:       ent.Rev,
		CreatedAt: ent.CreatedAt,
		Deleted:   ent.Deleted,
		Body:      body,
	}, nil
}

// EnsureTable creates the table when it does not exist yet.
func (r *TableRemote) EnsureTable(ctx context.Context) error {
	if err := r.table.createTable(ctx); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return classifyRemote("create table", err)
	}
	return nil
}

// Put writes doc with optimistic concurrency on the entity ETag.
func (r *TableRemote) Put(ctx context.Context, doc Document) error {
	payload, err := encodeEntity(r.partition, doc)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		raw, etag, err := r.table.getEntity(ctx, r.partition, doc.ID)
		if err != nil && statusCode(err) != http.StatusNotFound {
			return classifyRemote("get "+doc.ID, err)
		}
		if err != nil {
			err = r.table.addEntity(ctx, payload)
			if err == nil {
				return nil
			}
			if statusCode(err) == http.StatusConflict {
				continue
			}
			return classifyRemote("add "+doc.ID, err)
		}

		current, err := decodeEntity(raw)
		if err != nil {
			return fmt.Errorf("decode remote %s: %w", doc.ID, err)
		}
		if current.Rev >= doc.Rev {
			return fmt.Errorf("put %s: %w: remote rev %d, local rev %d", doc.ID, domain.ErrConflict, current.Rev, doc.Rev)
		}
		err = r.table.replaceEntity(ctx, payload, etag)
		if err == nil {
			return nil
		}
		if statusCode(err) == http.StatusPreconditionFailed {
			continue
		}
		return classifyRemote("replace "+doc.ID, err)
	}
	return fmt.Errorf("put %s: %w: gave up after %d attempts", doc.ID, domain.ErrConflict, maxPutAttempts)
}

// ListSince pages through the partition for revisions newer than rev.
func (r *TableRemote) ListSince(ctx context.Context, rev int64) ([]Document, error) {
	filter := "PartitionKey eq '" + escapeODataString(r.partition) + "' and Rev gt " + strconv.FormatInt(rev, 10) + "L"
	entities, err := r.table.listEntities(ctx, filter)
	if err != nil {
		return nil, classifyRemote("list", err)
	}
	docs := make([]Document, 0, len(entities))
	for _, raw := range entities {
		doc, err := decodeEntity(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

type azureTable struct {
	client *aztables.Client
}

func (t azureTable) createTable(ctx context.Context) error {
	_, err := t.client.CreateTable(ctx, nil)
	return err
}

func (t azureTable) getEntity(ctx context.Context, pk, rk string) ([]byte, azcore.ETag, error) {
	resp, err := t.client.GetEntity(ctx, pk, rk, nil)
	if err != nil {
		return nil, "", err
	}
	return resp.Value, resp.ETag, nil
}

func (t azureTable) addEntity(ctx context.Context, payload []byte) error {
	_, err := t.client.AddEntity(ctx, payload, nil)
	return err
}

func (t azureTable) replaceEntity(ctx context.Context, payload []byte, etag azcore.ETag) error {
	_, err := t.client.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	return err
}

func (t azureTable) listEntities(ctx context.Context, filter string) ([][]byte, error) {
	pager := t.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, resp.Entities...)
	}
	return out, nil
}
