package dataverse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// maxBatchOperations is the service-side limit on calls per batch.
// Execution time is capped separately by the service (2 minutes), which
// bites long before 1000 operations for complex entities; around 50
// operations per batch is safe for everything.
const maxBatchOperations = 1000

// SafeBatchSize is a batch size that stays well inside the service's
// execution-time limit regardless of entity complexity.
const SafeBatchSize = 50

// BatchOperation is one sub-request of a batch: correlation id, verb,
// target URL and optional body. Content ids are assigned sequentially
// from 1 in the order operations are added.
type BatchOperation struct {
	ContentID int
	Method    string
	URL       string
	Headers   map[string]string
	Body      []byte
}

// Batch packs independent CRUD operations into one multipart submission.
// Operations are not grouped into a changeset: the service executes them
// independently and may fail some while the rest succeed. A Batch lives
// for one Execute call; create it through Client.NewBatch.
type Batch struct {
	builder  *requestBuilder
	boundary string
	ops      []BatchOperation
}

func newBatch(builder *requestBuilder) *Batch {
	return &Batch{
		builder:  builder,
		boundary: "batch_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
	}
}

// Len returns the number of operations added so far.
func (b *Batch) Len() int { return len(b.ops) }

// Boundary returns the outer multipart boundary for this submission.
func (b *Batch) Boundary() string { return b.boundary }

func (b *Batch) add(req *Request) error {
	if len(b.ops) >= maxBatchOperations {
		return &ValidationError{Message: fmt.Sprintf("batch exceeds %d operations", maxBatchOperations)}
	}
	b.ops = append(b.ops, BatchOperation{
		ContentID: len(b.ops) + 1,
		Method:    req.Method,
		URL:       req.URL,
		Headers:   req.Headers,
		Body:      req.Body,
	})
	return nil
}

// Retrieve adds a select-by-id read for the given reference and columns.
func (b *Batch) Retrieve(ref Reference, columns []string) error {
	req, err := b.builder.Retrieve(ref, columns)
	if err != nil {
		return err
	}
	return b.add(req)
}

// Delete adds a delete of the referenced record.
func (b *Batch) Delete(ref Reference) error {
	req, err := b.builder.Delete(ref)
	if err != nil {
		return err
	}
	return b.add(req)
}

// BatchCreate adds a create of the given record to the batch.
func BatchCreate[T any](b *Batch, m *Mapping[T], rec T) error {
	doc, err := m.Encode(rec)
	if err != nil {
		return err
	}
	req, err := b.builder.Create(m.EntitySet(), doc)
	if err != nil {
		return err
	}
	return b.add(req)
}

// BatchUpdate adds a partial update of the given record to the batch.
func BatchUpdate[T any](b *Batch, m *Mapping[T], rec T) error {
	doc, err := m.Encode(rec)
	if err != nil {
		return err
	}
	req, err := b.builder.Update(m.Reference(rec), doc)
	if err != nil {
		return err
	}
	return b.add(req)
}

// BatchUpsert adds an update-or-create of the given record to the batch.
func BatchUpsert[T any](b *Batch, m *Mapping[T], rec T) error {
	doc, err := m.Encode(rec)
	if err != nil {
		return err
	}
	req, err := b.builder.Upsert(m.Reference(rec), doc)
	if err != nil {
		return err
	}
	return b.add(req)
}

// payload serializes the batch into its multipart/mixed envelope. Each
// operation becomes an application/http part carrying a full HTTP request
// line, headers and body, correlated by its Content-ID header.
func (b *Batch) payload() ([]byte, error) {
	if len(b.ops) == 0 {
		return nil, &ValidationError{Message: "batch contains no operations"}
	}

	var buf bytes.Buffer
	for _, op := range b.ops {
		fmt.Fprintf(&buf, "--%s\r\n", b.boundary)
		buf.WriteString("Content-Type: application/http\r\n")
		buf.WriteString("Content-Transfer-Encoding: binary\r\n")
		fmt.Fprintf(&buf, "Content-ID: %d\r\n", op.ContentID)
		buf.WriteString("\r\n")

		fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", op.Method, op.URL)
		if ct, ok := op.Headers["Content-Type"]; ok {
			fmt.Fprintf(&buf, "Content-Type: %s;type=entry\r\n", ct)
		}
		if match, ok := op.Headers["If-Match"]; ok {
			fmt.Fprintf(&buf, "If-Match: %s\r\n", match)
		}
		buf.WriteString("\r\n")

		if len(op.Body) > 0 {
			buf.Write(op.Body)
			buf.WriteString("\r\n")
		}
	}
	fmt.Fprintf(&buf, "--%s--\r\n", b.boundary)

	return buf.Bytes(), nil
}

// BatchEntry is the outcome of one submitted operation: a decoded
// document, an empty success (update/delete), or an operation-scoped
// error. EntityID carries the created record's id when the service
// returned one.
type BatchEntry struct {
	ContentID  int
	StatusCode int
	EntityID   uuid.UUID
	Record     Document
	Err        error
}

// Ok reports whether this operation succeeded.
func (e BatchEntry) Ok() bool { return e.Err == nil }

// BatchResult holds one entry per submitted operation, in submission
// order. Its length always equals the number of submitted operations.
type BatchResult []BatchEntry

// parseBatchResponse splits the outer multipart envelope into
// per-operation sections and pairs them with the submitted operations by
// order. Any echoed Content-ID that contradicts submission order, and any
// section-count mismatch, is a BatchIntegrityError: mis-pairing results
// would silently attribute outcomes to the wrong records.
func parseBatchResponse(contentType string, body []byte, expected int) (BatchResult, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, &BatchIntegrityError{Expected: expected, Message: "unparseable batch response content type: " + err.Error()}
	}
	boundary := params["boundary"]
	if !strings.HasPrefix(mediaType, "multipart/") || boundary == "" {
		return nil, &BatchIntegrityError{Expected: expected, Message: fmt.Sprintf("batch response is %q, not a multipart envelope", mediaType)}
	}

	result := make(BatchResult, 0, expected)
	reader := multipart.NewReader(bytes.NewReader(body), boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &BatchIntegrityError{Expected: expected, Got: len(result), Message: "malformed batch envelope: " + err.Error()}
		}

		entry, err := parseBatchPart(part, len(result)+1)
		if err != nil {
			return nil, err
		}
		if len(result) == expected {
			return nil, &BatchIntegrityError{Expected: expected, Got: expected + 1, Message: "more response sections than submitted operations"}
		}
		result = append(result, entry)
	}

	if len(result) != expected {
		return nil, &BatchIntegrityError{Expected: expected, Got: len(result), Message: "response section count does not match submitted operations"}
	}

	return result, nil
}

// parseBatchPart decodes one application/http section into the entry for
// the operation at the given position.
func parseBatchPart(part *multipart.Part, contentID int) (BatchEntry, error) {
	raw, err := io.ReadAll(part)
	if err != nil {
		return BatchEntry{}, &BatchIntegrityError{Message: "failed to read response section: " + err.Error()}
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return BatchEntry{}, &BatchIntegrityError{Message: "response section is not an HTTP response: " + err.Error()}
	}
	defer resp.Body.Close()

	// The service echoes sub-responses in submission order. An echoed
	// Content-ID is checked against that assumption rather than used for
	// re-pairing.
	if echoed := firstNonEmpty(part.Header.Get("Content-ID"), resp.Header.Get("Content-ID")); echoed != "" {
		id, err := strconv.Atoi(strings.TrimSpace(echoed))
		if err != nil || id != contentID {
			return BatchEntry{}, &BatchIntegrityError{
				Expected: contentID,
				Got:      id,
				Message:  "response sections are not in submission order",
			}
		}
	}

	entry := BatchEntry{ContentID: contentID, StatusCode: resp.StatusCode}

	subBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return BatchEntry{}, &BatchIntegrityError{Message: "failed to read sub-response body: " + err.Error()}
	}
	subBody = bytes.TrimSpace(subBody)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		entry.Err = parseODataError(resp.StatusCode, subBody)
		return entry, nil
	}

	if id, err := extractEntityID(resp.Header, nil); err == nil {
		entry.EntityID = id
	}

	if len(subBody) > 0 {
		var doc Document
		if err := json.Unmarshal(subBody, &doc); err != nil {
			entry.Err = &DecodeError{Message: "sub-response body is not a JSON document: " + err.Error()}
			return entry, nil
		}
		entry.Record = doc
	}

	return entry, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
