package dataverse

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/natserract/dataverse/pkg/config"
)

func newTestBuilder(t *testing.T) *requestBuilder {
	t.Helper()
	return newRequestBuilder(&config.Config{
		OrganizationURL: "https://instance.crm.dynamics.com/",
		TenantID:        "12345678-1234-1234-1234-123456789abc",
		ClientID:        "client",
		ClientSecret:    "secret",
	})
}

func TestBuilderRetrieveURL(t *testing.T) {
	b := newTestBuilder(t)

	req, err := b.Retrieve(
		NewReference("contacts", testyID),
		[]string{"contactid", "firstname", "lastname"},
	)
	require.NoError(t, err)

	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t,
		"https://instance.crm.dynamics.com/api/data/v9.2/contacts(12345678-1234-1234-1234-123456789012)?$select=contactid,firstname,lastname",
		req.URL)
	require.Equal(t, "4.0", req.Headers["OData-MaxVersion"])
	require.Equal(t, "4.0", req.Headers["OData-Version"])
	require.Equal(t, "application/json", req.Headers["Accept"])
	require.Nil(t, req.Body)
}

func TestBuilderRetrieveEmptySelection(t *testing.T) {
	b := newTestBuilder(t)

	_, err := b.Retrieve(NewReference("contacts", testyID), nil)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestBuilderRetrieveMalformedReference(t *testing.T) {
	b := newTestBuilder(t)
	var validationErr *ValidationError

	_, err := b.Retrieve(NewReference("", testyID), []string{"contactid"})
	require.ErrorAs(t, err, &validationErr)

	_, err = b.Retrieve(NewReference("contacts", uuid.Nil), []string{"contactid"})
	require.ErrorAs(t, err, &validationErr)
}

func TestBuilderCreate(t *testing.T) {
	b := newTestBuilder(t)

	req, err := b.Create("contacts", Document{"firstname": "Testy"})
	require.NoError(t, err)

	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "https://instance.crm.dynamics.com/api/data/v9.2/contacts", req.URL)
	require.Equal(t, "application/json; charset=utf-8", req.Headers["Content-Type"])
	require.JSONEq(t, `{"firstname":"Testy"}`, string(req.Body))
}

func TestBuilderUpdateSetsIfMatch(t *testing.T) {
	b := newTestBuilder(t)
	ref := NewReference("contacts", testyID)

	update, err := b.Update(ref, Document{"lastname": "McTestface"})
	require.NoError(t, err)
	require.Equal(t, http.MethodPatch, update.Method)
	require.Equal(t, "https://instance.crm.dynamics.com/api/data/v9.2/contacts(12345678-1234-1234-1234-123456789012)", update.URL)
	require.Equal(t, "*", update.Headers["If-Match"])

	// upsert must not carry If-Match, or the create path is suppressed
	upsert, err := b.Upsert(ref, Document{"lastname": "McTestface"})
	require.NoError(t, err)
	require.NotContains(t, upsert.Headers, "If-Match")
}

func TestBuilderDelete(t *testing.T) {
	b := newTestBuilder(t)

	req, err := b.Delete(NewReference("contacts", testyID))
	require.NoError(t, err)
	require.Equal(t, http.MethodDelete, req.Method)
	require.Equal(t, "https://instance.crm.dynamics.com/api/data/v9.2/contacts(12345678-1234-1234-1234-123456789012)", req.URL)
}

func TestBuilderAPIVersionOverride(t *testing.T) {
	b := newRequestBuilder(&config.Config{
		OrganizationURL: "https://instance.crm.dynamics.com",
		TenantID:        "tenant",
		ClientID:        "client",
		ClientSecret:    "secret",
		APIVersion:      "9.1",
	})

	req, err := b.Delete(NewReference("contacts", testyID))
	require.NoError(t, err)
	require.Equal(t, "https://instance.crm.dynamics.com/api/data/v9.1/contacts(12345678-1234-1234-1234-123456789012)", req.URL)
}

func TestExtractEntityID(t *testing.T) {
	headers := http.Header{}
	headers.Set("OData-EntityId", "https://instance.crm.dynamics.com/api/data/v9.2/contacts(12345678-1234-1234-1234-123456789012)")

	id, err := extractEntityID(headers, nil)
	require.NoError(t, err)
	require.Equal(t, testyID, id)

	// body echo fallback (Prefer: return=representation)
	id, err = extractEntityID(http.Header{}, []byte(`{"contactid":"12345678-1234-1234-1234-123456789012","firstname":"Testy"}`))
	require.NoError(t, err)
	require.Equal(t, testyID, id)

	_, err = extractEntityID(http.Header{}, nil)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
}
