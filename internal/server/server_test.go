package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/knoguchi/syllabus/internal/corpus"
	"github.com/knoguchi/syllabus/internal/search"
	"github.com/knoguchi/syllabus/internal/service"
)

type fakeSearcher struct {
	got    service.Query
	err    error
	result *service.Result
	wait   bool
}

func (f *fakeSearcher) Search(ctx context.Context, q service.Query) (*service.Result, error) {
	f.got = q
	if f.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &service.Result{
		Query: q.Text,
		Results: []service.ResultItem{{
			Distance: 0.5,
			Score:    3,
			Metadata: corpus.Metadata{corpus.KeyCourseID: "c1", corpus.KeyCourseTitle: "民法総則"},
		}},
	}, nil
}

func newTestHTTP(backend *Backend) http.Handler {
	return NewHTTPServer(HTTPServerConfig{}, backend).Handler()
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func readyBackend(s Searcher) *Backend {
	b := NewBackend(0)
	b.SetSearcher(s)
	return b
}

func TestHTTPSearch_OK(t *testing.T) {
	fs := &fakeSearcher{}
	h := newTestHTTP(readyBackend(fs))

	rec := post(t, h, `{"text":"民法","metadata_filter":{"department":"法学部","schedule":["月1"]},"top_k":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "民法", fs.got.Text)
	assert.Equal(t, 3, fs.got.TopK)
	assert.Equal(t, map[string]string{"department": "法学部"}, fs.got.Filter.Fields)
	assert.Equal(t, []string{"月1"}, fs.got.Filter.Slots)

	var res service.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "民法", res.Query)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "c1", res.Results[0].Metadata.CourseID())
	assert.InDelta(t, 0.5, res.Results[0].Distance, 1e-6)
}

func TestHTTPSearch_OmittedTopKUsesDefault(t *testing.T) {
	fs := &fakeSearcher{}
	h := newTestHTTP(readyBackend(fs))

	rec := post(t, h, `{"text":"q"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, fs.got.TopK)
	assert.True(t, fs.got.Filter.IsEmpty())
}

func TestHTTPSearch_InputErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"text":`},
		{"zero top_k", `{"text":"q","top_k":0}`},
		{"negative top_k", `{"text":"q","top_k":-2}`},
		{"filter not an object", `{"text":"q","metadata_filter":[1]}`},
		{"nested filter value", `{"text":"q","metadata_filter":{"department":{"a":1}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHTTP(readyBackend(&fakeSearcher{}))
			rec := post(t, h, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
			assert.NotEmpty(t, body.Trace)
			assert.NotEmpty(t, body.RequestID)
		})
	}
}

func TestHTTPSearch_ServiceInputError(t *testing.T) {
	h := newTestHTTP(readyBackend(&fakeSearcher{err: service.ErrEmptyQuery}))
	rec := post(t, h, `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPSearch_InternalErrorTrace(t *testing.T) {
	cause := errors.New("connection refused")
	fs := &fakeSearcher{err: fmt.Errorf("failed to embed query: %w", cause)}
	h := newTestHTTP(readyBackend(fs))

	rec := post(t, h, `{"text":"q"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "failed to embed query: connection refused", body.Error)
	require.Len(t, body.Trace, 2)
	assert.Contains(t, body.Trace[1], "connection refused")
}

func TestHTTPSearch_Timeout(t *testing.T) {
	b := NewBackend(10 * time.Millisecond)
	b.SetSearcher(&fakeSearcher{wait: true})
	h := newTestHTTP(b)

	rec := post(t, h, `{"text":"q"}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestHTTP_Readiness(t *testing.T) {
	b := NewBackend(0)
	h := newTestHTTP(b)

	get := func(path string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
	assert.Equal(t, http.StatusServiceUnavailable, post(t, h, `{"text":"q"}`).Code)

	b.SetSearcher(&fakeSearcher{})
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
}

func TestHTTP_MetricsRouteLabel(t *testing.T) {
	h := newTestHTTP(NewBackend(0))
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusNotFound, get("/no/such/page-8f3a").Code)
	assert.Equal(t, http.StatusNotFound, get("/another-path-8f3a").Code)
	assert.Equal(t, http.StatusOK, get("/healthz").Code)

	metrics := get("/metrics").Body.String()
	assert.Contains(t, metrics, `syllabus_http_requests_total{method="GET",route="unmatched",status="404"}`)
	assert.Contains(t, metrics, `syllabus_http_requests_total{method="GET",route="/healthz",status="200"}`)
	assert.NotContains(t, metrics, "8f3a")
}

func TestHTTP_CORSPreflight(t *testing.T) {
	h := NewHTTPServer(HTTPServerConfig{AllowedOrigins: []string{"http://localhost:3000"}}, NewBackend(0)).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/search", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDecodeSearchRequest_Filter(t *testing.T) {
	q, err := decodeSearchRequest([]byte(`{"text":"q","metadata_filter":{"level":2,"schedule":"火3"}}`))
	require.NoError(t, err)
	assert.Equal(t, "2", q.Filter.Fields["level"])
	assert.Equal(t, []string{"火3"}, q.Filter.Slots)

	_, err = decodeSearchRequest([]byte(`{"text":"q","metadata_filter":"x"}`))
	assert.ErrorIs(t, err, search.ErrInvalidFilter)
}

func dialBufconn(t *testing.T, backend *Backend) (*GRPCServer, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(GRPCServerConfig{}, backend)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { srv.server.Stop() })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, conn
}

func TestGRPCSearch(t *testing.T) {
	fs := &fakeSearcher{}
	_, conn := dialBufconn(t, readyBackend(fs))

	in, err := structpb.NewStruct(map[string]any{
		"text":            "民法",
		"top_k":           2,
		"metadata_filter": map[string]any{"department": "法学部"},
	})
	require.NoError(t, err)

	out := new(structpb.Struct)
	require.NoError(t, conn.Invoke(context.Background(), SearchMethod, in, out))

	assert.Equal(t, 2, fs.got.TopK)
	assert.Equal(t, "法学部", fs.got.Filter.Fields["department"])
	assert.Equal(t, "民法", out.Fields["query"].GetStringValue())

	results := out.Fields["results"].GetListValue().GetValues()
	require.Len(t, results, 1)
	md := results[0].GetStructValue().Fields["metadata"].GetStructValue()
	assert.Equal(t, "c1", md.Fields[corpus.KeyCourseID].GetStringValue())
}

func TestGRPCSearch_ErrorCodes(t *testing.T) {
	tests := []struct {
		name    string
		backend *Backend
		req     map[string]any
		code    codes.Code
	}{
		{"invalid top_k", readyBackend(&fakeSearcher{}), map[string]any{"text": "q", "top_k": -1}, codes.InvalidArgument},
		{"empty query", readyBackend(&fakeSearcher{err: service.ErrEmptyQuery}), map[string]any{"text": ""}, codes.InvalidArgument},
		{"external failure", readyBackend(&fakeSearcher{err: errors.New("boom")}), map[string]any{"text": "q"}, codes.Internal},
		{"not ready", NewBackend(0), map[string]any{"text": "q"}, codes.Unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, conn := dialBufconn(t, tt.backend)
			in, err := structpb.NewStruct(tt.req)
			require.NoError(t, err)

			err = conn.Invoke(context.Background(), SearchMethod, in, new(structpb.Struct))
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestGRPCHealth(t *testing.T) {
	srv, conn := dialBufconn(t, NewBackend(0))
	client := healthpb.NewHealthClient(conn)
	req := &healthpb.HealthCheckRequest{Service: SearchServiceName}

	resp, err := client.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	srv.MarkServing()
	resp, err = client.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestErrorTrace(t *testing.T) {
	err := fmt.Errorf("outer: %w", fmt.Errorf("middle: %w", errors.New("inner")))
	trace := errorTrace(err)
	require.Len(t, trace, 3)
	assert.True(t, strings.HasSuffix(trace[2], "inner"))
	assert.Empty(t, errorTrace(nil))
}
