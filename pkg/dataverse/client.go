// Package dataverse provides a client for the Microsoft Dataverse Web
// API: OAuth2 client-credentials authentication with a cached,
// storm-safe token, typed record mapping driven by explicit column
// selections, select-by-id CRUD, and multi-operation $batch submission
// with per-operation outcomes.
//
// Record types are plain structs. A Mapping declared once per type
// carries the entity set, the id accessor and the column table:
//
//	type Contact struct {
//		ContactID uuid.UUID
//		FirstName string
//		LastName  string
//	}
//
//	var contactMapping = dataverse.MustMapping("contacts",
//		func(c Contact) uuid.UUID { return c.ContactID },
//		dataverse.UUIDColumn("contactid", true,
//			func(c Contact) uuid.UUID { return c.ContactID },
//			func(c *Contact, id uuid.UUID) { c.ContactID = id }),
//		dataverse.StringColumn("firstname", true,
//			func(c Contact) string { return c.FirstName },
//			func(c *Contact, s string) { c.FirstName = s }),
//		dataverse.StringColumn("lastname", true,
//			func(c Contact) string { return c.LastName },
//			func(c *Contact, s string) { c.LastName = s }),
//	)
package dataverse

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/natserract/dataverse/pkg/config"
	httpclient "github.com/natserract/dataverse/pkg/http"
)

// Client is the entry point for Web API operations against one
// organization. It owns the configuration, the transport, the
// authenticator and its token cache; there is no global state. A Client
// is safe for concurrent use and should be created once and shared.
type Client struct {
	config     *config.Config
	httpClient *httpclient.Client
	auth       Authenticator
	builder    *requestBuilder
	logger     *zap.Logger
}

// New creates a client with client-secret authentication and the default
// production logger.
func New(cfg *config.Config) *Client {
	logger, _ := zap.NewProduction()
	return NewWithLogger(cfg, logger)
}

// NewWithLogger creates a client with client-secret authentication and a
// custom logger.
func NewWithLogger(cfg *config.Config, logger *zap.Logger) *Client {
	httpClient := httpclient.NewClientWithLogger(logger)
	return &Client{
		config:     cfg,
		httpClient: httpClient,
		auth:       NewClientSecretAuth(cfg, httpClient, logger),
		builder:    newRequestBuilder(cfg),
		logger:     logger,
	}
}

// NewWithAuthenticator creates a client with a caller-supplied
// authenticator.
func NewWithAuthenticator(cfg *config.Config, auth Authenticator, logger *zap.Logger) *Client {
	return &Client{
		config:     cfg,
		httpClient: httpclient.NewClientWithLogger(logger),
		auth:       auth,
		builder:    newRequestBuilder(cfg),
		logger:     logger,
	}
}

// NewBatch creates an empty batch bound to this client's organization.
func (c *Client) NewBatch() *Batch {
	return newBatch(c.builder)
}

// send attaches the bearer token and performs exactly one exchange: retry
// policy belongs to the caller or the transport, never to the core.
func (c *Client) send(ctx context.Context, req *Request) (*httpclient.Response, error) {
	token, err := c.auth.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	headers["Authorization"] = "Bearer " + token.Value

	var body interface{}
	if len(req.Body) > 0 {
		body = req.Body
	}

	resp, err := c.httpClient.Do(httpclient.RequestOptions{
		Method:  req.Method,
		URL:     req.URL,
		Headers: headers,
		Body:    body,
		Context: ctx,
	})
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	return resp, nil
}

// Retrieve reads the referenced record, requesting exactly the mapping's
// columns, and decodes the response into a record.
func Retrieve[T any](ctx context.Context, c *Client, m *Mapping[T], ref Reference) (T, error) {
	var zero T

	req, err := c.builder.Retrieve(ref, m.Columns())
	if err != nil {
		return zero, err
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return zero, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("Retrieve failed",
			zap.String("reference", ref.String()),
			zap.Int("status_code", resp.StatusCode))
		return zero, parseODataError(resp.StatusCode, resp.Body)
	}

	var doc Document
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return zero, &DecodeError{Message: "response body is not a JSON document: " + err.Error()}
	}

	rec, err := m.Decode(doc)
	if err != nil {
		return zero, err
	}

	c.logger.Debug("Retrieved record", zap.String("reference", ref.String()))
	return rec, nil
}

// Create writes a new record and returns its id, taken from the
// OData-EntityId response header.
func Create[T any](ctx context.Context, c *Client, m *Mapping[T], rec T) (uuid.UUID, error) {
	doc, err := m.Encode(rec)
	if err != nil {
		return uuid.Nil, err
	}

	req, err := c.builder.Create(m.EntitySet(), doc)
	if err != nil {
		return uuid.Nil, err
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("Create failed",
			zap.String("entity_set", m.EntitySet()),
			zap.Int("status_code", resp.StatusCode))
		return uuid.Nil, parseODataError(resp.StatusCode, resp.Body)
	}

	id, err := extractEntityID(resp.Headers, resp.Body)
	if err != nil {
		return uuid.Nil, err
	}

	c.logger.Info("Created record",
		zap.String("entity_set", m.EntitySet()),
		zap.String("id", id.String()))
	return id, nil
}

// Update patches the fields present in the record's mapping onto the
// existing record; other attributes are untouched. Fails when the record
// does not exist.
func Update[T any](ctx context.Context, c *Client, m *Mapping[T], rec T) error {
	doc, err := m.Encode(rec)
	if err != nil {
		return err
	}

	req, err := c.builder.Update(m.Reference(rec), doc)
	if err != nil {
		return err
	}

	return c.sendExpectEmpty(ctx, req, "Update", m.Reference(rec))
}

// Upsert patches the record, creating it when it does not exist.
func Upsert[T any](ctx context.Context, c *Client, m *Mapping[T], rec T) error {
	doc, err := m.Encode(rec)
	if err != nil {
		return err
	}

	req, err := c.builder.Upsert(m.Reference(rec), doc)
	if err != nil {
		return err
	}

	return c.sendExpectEmpty(ctx, req, "Upsert", m.Reference(rec))
}

// Delete removes the referenced record.
func (c *Client) Delete(ctx context.Context, ref Reference) error {
	req, err := c.builder.Delete(ref)
	if err != nil {
		return err
	}

	return c.sendExpectEmpty(ctx, req, "Delete", ref)
}

func (c *Client) sendExpectEmpty(ctx context.Context, req *Request, op string, ref Reference) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error(op+" failed",
			zap.String("reference", ref.String()),
			zap.Int("status_code", resp.StatusCode))
		return parseODataError(resp.StatusCode, resp.Body)
	}

	c.logger.Debug(op+" succeeded", zap.String("reference", ref.String()))
	return nil
}

// Execute submits the batch as one round trip and demultiplexes the
// response into one entry per operation, in submission order. A non-2xx
// on the submission itself, a transport failure, or an envelope that
// cannot be paired with the submitted operations yields an error and no
// BatchResult; a timeout means no sub-operation's outcome is known.
func (c *Client) Execute(ctx context.Context, batch *Batch) (BatchResult, error) {
	req, err := c.builder.BatchSubmit(batch)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Submitting batch",
		zap.String("boundary", batch.Boundary()),
		zap.Int("operations", batch.Len()))

	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("Batch submission failed",
			zap.Int("status_code", resp.StatusCode))
		return nil, parseODataError(resp.StatusCode, resp.Body)
	}

	result, err := parseBatchResponse(resp.Headers.Get("Content-Type"), resp.Body, batch.Len())
	if err != nil {
		c.logger.Error("Batch response could not be demultiplexed", zap.Error(err))
		return nil, err
	}

	failed := 0
	for _, entry := range result {
		if !entry.Ok() {
			failed++
		}
	}
	c.logger.Info("Batch completed",
		zap.Int("operations", batch.Len()),
		zap.Int("failed", failed))

	return result, nil
}

// odataErrorBody is the service's structured error envelope.
type odataErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseODataError turns a non-2xx response into an ODataError, keeping
// the raw body as message when the error envelope is absent.
func parseODataError(statusCode int, body []byte) *ODataError {
	var envelope odataErrorBody
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return &ODataError{
			StatusCode: statusCode,
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
		}
	}

	message := string(body)
	if message == "" {
		message = "no error details provided from server"
	}
	return &ODataError{StatusCode: statusCode, Message: message}
}
