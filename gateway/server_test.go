package gateway

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/config"
)

type recordingPublisher struct {
	exchanges []string
	keys      []string
	messages  []common.PipelineMessage
	err       error
}

func (p *recordingPublisher) PublishEnvelope(exchange, routingKey string, message common.PipelineMessage, component string) error {
	if p.err != nil {
		return p.err
	}
	p.exchanges = append(p.exchanges, exchange)
	p.keys = append(p.keys, routingKey)
	p.messages = append(p.messages, message)
	return nil
}

func newTestServer(t *testing.T) (*Server, *recordingPublisher) {
	t.Helper()
	publisher := &recordingPublisher{}
	settings := &config.Settings{StoragePath: t.TempDir()}
	return NewServer(nil, publisher, nil, settings), publisher
}

func multipartBody(t *testing.T, fields map[string]string, filename string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte("%PDF-1.4 fake"))
		require.NoError(t, err)
	}
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func doRequest(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	s.Register(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSubmit_RequiresFile(t *testing.T) {
	s, _ := newTestServer(t)
	body, contentType := multipartBody(t, map[string]string{"workflow": "default"}, "")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", body)
	req.Header.Set(echo.HeaderContentType, contentType)

	rec := doRequest(t, s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_RejectsBadPriority(t *testing.T) {
	tests := []struct {
		name     string
		priority string
	}{
		{name: "NotANumber", priority: "high"},
		{name: "TooLow", priority: "0"},
		{name: "TooHigh", priority: "11"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t)
			body, contentType := multipartBody(t, map[string]string{"priority": tt.priority}, "scan.pdf")
			req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", body)
			req.Header.Set(echo.HeaderContentType, contentType)

			rec := doRequest(t, s, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestStatus_RejectsInvalidID(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/not-a-uuid", nil)
	rec := doRequest(t, s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResult_RejectsInvalidID(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/bogus/result", nil)
	rec := doRequest(t, s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStoreUpload_WritesUnderRequestDirectory(t *testing.T) {
	s, _ := newTestServer(t)

	body, contentType := multipartBody(t, nil, "scan.pdf")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	require.NoError(t, req.ParseMultipartForm(1<<20))
	file := req.MultipartForm.File["file"][0]

	requestID := uuid.New()
	path, err := s.storeUpload(requestID, file)
	require.NoError(t, err)
	assert.Contains(t, path, requestID.String())
	assert.Contains(t, path, "scan.pdf")
}
