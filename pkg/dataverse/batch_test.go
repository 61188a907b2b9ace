package dataverse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	mariID  = uuid.MustParse("12345678-1234-1234-1234-123456789abc")
	thirdID = uuid.MustParse("12345678-1234-1234-1234-12345678def0")
)

// subResponse renders one application/http section of a batch response.
func subResponse(boundary string, contentID int, statusLine string, headers map[string]string, body string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "--%s\r\n", boundary)
	sb.WriteString("Content-Type: application/http\r\n")
	sb.WriteString("Content-Transfer-Encoding: binary\r\n")
	if contentID > 0 {
		fmt.Fprintf(&sb, "Content-ID: %d\r\n", contentID)
	}
	sb.WriteString("\r\n")
	sb.WriteString(statusLine + "\r\n")
	for k, v := range headers {
		fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
	}
	sb.WriteString("\r\n")
	sb.WriteString(body)
	sb.WriteString("\r\n")
	return sb.String()
}

func closeEnvelope(boundary string, sections ...string) string {
	return strings.Join(sections, "") + "--" + boundary + "--\r\n"
}

func entityIDHeader(id uuid.UUID) map[string]string {
	return map[string]string{
		"OData-EntityId": fmt.Sprintf("https://instance.crm.dynamics.com/api/data/v9.2/contacts(%s)", id),
	}
}

func TestBatchPayloadSerialization(t *testing.T) {
	client := newTestClient(t, "https://instance.crm.dynamics.com/")
	m := newContactMapping(t)

	batch := client.NewBatch()
	require.NoError(t, BatchCreate(batch, m, testContact{ContactID: testyID, FirstName: "Testy", LastName: "McTestface"}))
	require.NoError(t, BatchUpdate(batch, m, testContact{ContactID: mariID, FirstName: "Marianne", LastName: "McTestface"}))
	require.NoError(t, batch.Delete(NewReference("contacts", thirdID)))
	require.Equal(t, 3, batch.Len())

	payload, err := batch.payload()
	require.NoError(t, err)
	text := string(payload)

	boundary := batch.Boundary()
	require.True(t, strings.HasPrefix(boundary, "batch_"))
	require.Equal(t, 3, strings.Count(text, "--"+boundary+"\r\n"))
	require.True(t, strings.HasSuffix(text, "--"+boundary+"--\r\n"))

	// content ids are sequential from 1, in submission order
	for i := 1; i <= 3; i++ {
		require.Contains(t, text, fmt.Sprintf("Content-ID: %d\r\n", i))
	}
	require.Less(t, strings.Index(text, "Content-ID: 1"), strings.Index(text, "Content-ID: 2"))
	require.Less(t, strings.Index(text, "Content-ID: 2"), strings.Index(text, "Content-ID: 3"))

	require.Contains(t, text, "POST https://instance.crm.dynamics.com/api/data/v9.2/contacts HTTP/1.1\r\n")
	require.Contains(t, text, fmt.Sprintf("PATCH https://instance.crm.dynamics.com/api/data/v9.2/contacts(%s) HTTP/1.1\r\n", mariID))
	require.Contains(t, text, "If-Match: *\r\n")
	require.Contains(t, text, fmt.Sprintf("DELETE https://instance.crm.dynamics.com/api/data/v9.2/contacts(%s) HTTP/1.1\r\n", thirdID))
	require.Contains(t, text, "Content-Type: application/json; charset=utf-8;type=entry\r\n")
}

func TestBatchEmptyFailsValidation(t *testing.T) {
	client := newTestClient(t, "https://instance.crm.dynamics.com/")

	_, err := client.Execute(context.Background(), client.NewBatch())

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestParseBatchResponsePartialFailure(t *testing.T) {
	const boundary = "batchresponse_11111111222233334444555555555555"
	duplicate := `{"error":{"code":"0x80060892","message":"A record with matching key values already exists."}}`

	body := closeEnvelope(boundary,
		subResponse(boundary, 1, "HTTP/1.1 204 No Content", entityIDHeader(testyID), ""),
		subResponse(boundary, 2, "HTTP/1.1 412 Precondition Failed", map[string]string{"Content-Type": "application/json"}, duplicate),
		subResponse(boundary, 3, "HTTP/1.1 204 No Content", entityIDHeader(thirdID), ""),
	)

	result, err := parseBatchResponse("multipart/mixed; boundary="+boundary, []byte(body), 3)
	require.NoError(t, err)
	require.Len(t, result, 3)

	require.True(t, result[0].Ok())
	require.Equal(t, 1, result[0].ContentID)
	require.Equal(t, testyID, result[0].EntityID)

	require.False(t, result[1].Ok())
	require.Equal(t, 2, result[1].ContentID)
	var odataErr *ODataError
	require.ErrorAs(t, result[1].Err, &odataErr)
	require.Equal(t, http.StatusPreconditionFailed, odataErr.StatusCode)
	require.Contains(t, odataErr.Message, "already exists")

	require.True(t, result[2].Ok())
	require.Equal(t, 3, result[2].ContentID)
	require.Equal(t, thirdID, result[2].EntityID)
}

func TestParseBatchResponseDecodesRecords(t *testing.T) {
	const boundary = "batchresponse_aaaa"

	body := closeEnvelope(boundary,
		subResponse(boundary, 1, "HTTP/1.1 200 OK",
			map[string]string{"Content-Type": "application/json; odata.metadata=minimal"},
			`{"contactid":"12345678-1234-1234-1234-123456789012","firstname":"Testy","lastname":"McTestface"}`),
	)

	result, err := parseBatchResponse("multipart/mixed; boundary="+boundary, []byte(body), 1)
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.True(t, result[0].Ok())

	m := newContactMapping(t)
	contact, err := m.Decode(result[0].Record)
	require.NoError(t, err)
	require.Equal(t, "Testy", contact.FirstName)
}

func TestParseBatchResponseCountMismatch(t *testing.T) {
	const boundary = "batchresponse_bbbb"

	body := closeEnvelope(boundary,
		subResponse(boundary, 1, "HTTP/1.1 204 No Content", nil, ""),
		subResponse(boundary, 2, "HTTP/1.1 204 No Content", nil, ""),
	)

	_, err := parseBatchResponse("multipart/mixed; boundary="+boundary, []byte(body), 3)

	var integrityErr *BatchIntegrityError
	require.ErrorAs(t, err, &integrityErr)
	require.Equal(t, 3, integrityErr.Expected)
	require.Equal(t, 2, integrityErr.Got)
}

func TestParseBatchResponseOutOfOrder(t *testing.T) {
	const boundary = "batchresponse_cccc"

	body := closeEnvelope(boundary,
		subResponse(boundary, 2, "HTTP/1.1 204 No Content", nil, ""),
		subResponse(boundary, 1, "HTTP/1.1 204 No Content", nil, ""),
	)

	_, err := parseBatchResponse("multipart/mixed; boundary="+boundary, []byte(body), 2)

	var integrityErr *BatchIntegrityError
	require.ErrorAs(t, err, &integrityErr)
	require.Contains(t, integrityErr.Message, "submission order")
}

func TestParseBatchResponseNotMultipart(t *testing.T) {
	_, err := parseBatchResponse("application/json", []byte(`{}`), 1)

	var integrityErr *BatchIntegrityError
	require.ErrorAs(t, err, &integrityErr)
}

func TestClientExecuteScenario(t *testing.T) {
	// batch of 3 creates; the second fails server-side with a duplicate key
	const boundary = "batchresponse_36522ad7fc254e5593f77319391f5ee2"
	duplicate := `{"error":{"code":"0x80060892","message":"A record with matching key values already exists. Duplicate contact."}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireProtocolHeaders(t, r)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/data/v9.2/$batch", r.URL.Path)
		require.Contains(t, r.Header.Get("Content-Type"), "multipart/mixed; boundary=batch_")

		payload, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(payload), "Content-ID: 3")

		body := closeEnvelope(boundary,
			subResponse(boundary, 1, "HTTP/1.1 204 No Content", entityIDHeader(testyID), ""),
			subResponse(boundary, 2, "HTTP/1.1 412 Precondition Failed", map[string]string{"Content-Type": "application/json"}, duplicate),
			subResponse(boundary, 3, "HTTP/1.1 204 No Content", entityIDHeader(thirdID), ""),
		)
		w.Header().Set("Content-Type", "multipart/mixed; boundary="+boundary)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv.URL)
	m := newContactMapping(t)

	batch := client.NewBatch()
	require.NoError(t, BatchCreate(batch, m, testContact{ContactID: testyID, FirstName: "Testy", LastName: "McTestface"}))
	require.NoError(t, BatchCreate(batch, m, testContact{ContactID: mariID, FirstName: "Marianne", LastName: "McTestface"}))
	require.NoError(t, BatchCreate(batch, m, testContact{ContactID: thirdID, FirstName: "Third", LastName: "McTestface"}))

	result, err := client.Execute(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, result, 3)

	require.True(t, result[0].Ok())
	require.Equal(t, testyID, result[0].EntityID)

	var odataErr *ODataError
	require.ErrorAs(t, result[1].Err, &odataErr)
	require.Contains(t, odataErr.Message, "Duplicate contact")

	require.True(t, result[2].Ok())
	require.Equal(t, thirdID, result[2].EntityID)
}

func TestBatchRejectsOversize(t *testing.T) {
	client := newTestClient(t, "https://instance.crm.dynamics.com/")
	batch := client.NewBatch()

	for i := 0; i < maxBatchOperations; i++ {
		require.NoError(t, batch.Delete(NewReference("contacts", uuid.New())))
	}

	err := batch.Delete(NewReference("contacts", uuid.New()))
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, maxBatchOperations, batch.Len())
}
