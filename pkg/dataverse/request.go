package dataverse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/natserract/dataverse/pkg/config"
	httpclient "github.com/natserract/dataverse/pkg/http"
)

// Protocol headers every Web API request carries.
const (
	headerODataMaxVersion = "4.0"
	headerODataVersion    = "4.0"
	contentTypeJSON       = "application/json; charset=utf-8"
)

var entityIDPattern = regexp.MustCompile("[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}")

// Request is one fully-shaped CRUD exchange: everything the transport
// needs except the bearer token, which is attached at send time.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// requestBuilder constructs single CRUD operations against one
// organization. It is pure: no state beyond the base URL and version.
type requestBuilder struct {
	baseURL    string // organization URL with trailing slash
	apiVersion string
}

func newRequestBuilder(cfg *config.Config) *requestBuilder {
	return &requestBuilder{
		baseURL:    cfg.NormalizedOrganizationURL(),
		apiVersion: cfg.ResolvedAPIVersion(),
	}
}

// collectionURL is `{base}api/data/v{version}/{entity_set}`.
func (b *requestBuilder) collectionURL(entitySet, rawQuery string) (string, error) {
	url, err := httpclient.BuildURL(b.baseURL, fmt.Sprintf("api/data/v%s/%s", b.apiVersion, entitySet), rawQuery)
	if err != nil {
		return "", &ValidationError{Message: err.Error()}
	}
	return url, nil
}

// recordURL is `{base}api/data/v{version}/{entity_set}({id})`.
func (b *requestBuilder) recordURL(ref Reference, rawQuery string) (string, error) {
	return b.collectionURL(fmt.Sprintf("%s(%s)", ref.EntitySet, ref.ID), rawQuery)
}

func protocolHeaders() map[string]string {
	return map[string]string{
		"OData-MaxVersion": headerODataMaxVersion,
		"OData-Version":    headerODataVersion,
		"Accept":           "application/json",
	}
}

// Retrieve builds `GET {record}?$select=...`. An empty selection fails
// with ValidationError before any network call.
func (b *requestBuilder) Retrieve(ref Reference, columns []string) (*Request, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, &ValidationError{Message: fmt.Sprintf("retrieve from %q with an empty column selection", ref.EntitySet)}
	}
	for _, column := range columns {
		if column == "" {
			return nil, &ValidationError{Message: fmt.Sprintf("retrieve from %q selects an empty column name", ref.EntitySet)}
		}
	}

	url, err := b.recordURL(ref, "$select="+strings.Join(columns, ","))
	if err != nil {
		return nil, err
	}

	return &Request{
		Method:  http.MethodGet,
		URL:     url,
		Headers: protocolHeaders(),
	}, nil
}

// Create builds `POST {collection}` with the encoded document.
func (b *requestBuilder) Create(entitySet string, doc Document) (*Request, error) {
	if entitySet == "" {
		return nil, &ValidationError{Message: "create with an empty entity set"}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, &ValidationError{Message: "failed to encode create body: " + err.Error()}
	}

	url, err := b.collectionURL(entitySet, "")
	if err != nil {
		return nil, err
	}

	headers := protocolHeaders()
	headers["Content-Type"] = contentTypeJSON

	return &Request{
		Method:  http.MethodPost,
		URL:     url,
		Headers: headers,
		Body:    body,
	}, nil
}

// Update builds `PATCH {record}` with `If-Match: *`, so the call fails
// when the record does not exist instead of creating it.
func (b *requestBuilder) Update(ref Reference, doc Document) (*Request, error) {
	req, err := b.Upsert(ref, doc)
	if err != nil {
		return nil, err
	}
	req.Headers["If-Match"] = "*"
	return req, nil
}

// Upsert builds `PATCH {record}` without If-Match; the service creates
// the record when it does not exist.
func (b *requestBuilder) Upsert(ref Reference, doc Document) (*Request, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, &ValidationError{Message: "failed to encode update body: " + err.Error()}
	}

	url, err := b.recordURL(ref, "")
	if err != nil {
		return nil, err
	}

	headers := protocolHeaders()
	headers["Content-Type"] = contentTypeJSON

	return &Request{
		Method:  http.MethodPatch,
		URL:     url,
		Headers: headers,
		Body:    body,
	}, nil
}

// Delete builds `DELETE {record}`.
func (b *requestBuilder) Delete(ref Reference) (*Request, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	url, err := b.recordURL(ref, "")
	if err != nil {
		return nil, err
	}

	return &Request{
		Method:  http.MethodDelete,
		URL:     url,
		Headers: protocolHeaders(),
	}, nil
}

// BatchSubmit builds `POST {base}$batch` carrying the serialized
// multipart envelope.
func (b *requestBuilder) BatchSubmit(batch *Batch) (*Request, error) {
	payload, err := batch.payload()
	if err != nil {
		return nil, err
	}

	url, err := b.collectionURL("$batch", "")
	if err != nil {
		return nil, err
	}

	headers := protocolHeaders()
	headers["Content-Type"] = "multipart/mixed; boundary=" + batch.boundary

	return &Request{
		Method:  http.MethodPost,
		URL:     url,
		Headers: headers,
		Body:    payload,
	}, nil
}

// extractEntityID pulls the created record's id from the OData-EntityId
// response header, falling back to an echoed body property when the
// header is absent.
func extractEntityID(headers http.Header, body []byte) (uuid.UUID, error) {
	if location := headers.Get("OData-EntityId"); location != "" {
		if segment := entityIDPattern.FindString(location); segment != "" {
			return uuid.Parse(segment)
		}
	}

	if len(body) > 0 {
		var doc Document
		if err := json.Unmarshal(body, &doc); err == nil {
			for name, v := range doc {
				s, ok := v.(string)
				if !ok {
					continue
				}
				if name == "id" || entityIDPattern.MatchString(s) && len(name) > 2 && name[len(name)-2:] == "id" {
					if id, err := uuid.Parse(s); err == nil {
						return id, nil
					}
				}
			}
		}
	}

	return uuid.Nil, &DecodeError{Message: "service provided no record id"}
}
