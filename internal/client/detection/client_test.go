package detection

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/lab-monitor/internal/domain/monitor"
)

// capturedRequest is one request seen by the fake detection service.
type capturedRequest struct {
	// path is the request URL path.
	path string
	// body is the raw request body.
	body []byte
	// userAgent is the User-Agent header.
	userAgent string
}

// fakeService is an httptest detection service recording requests.
type fakeService struct {
	// mu protects requests.
	mu sync.Mutex
	// requests holds every request received.
	requests []capturedRequest
	// status is the HTTP status to answer with.
	status int
	// response is the body to answer with.
	response string
	// delay is applied before answering.
	delay time.Duration
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, capturedRequest{path: r.URL.Path, body: body, userAgent: r.UserAgent()})
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-r.Context().Done():
			return
		}
	}

	w.WriteHeader(f.status)
	_, _ = io.WriteString(w, f.response)
}

// seen returns a copy of the recorded requests.
func (f *fakeService) seen() []capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]capturedRequest(nil), f.requests...)
}

func newTestClient(t *testing.T, svc *fakeService, opts ...Option) *Client {
	t.Helper()

	server := httptest.NewServer(svc)
	t.Cleanup(server.Close)

	c, err := New(server.URL+"/", "rtsp://camera.local/stream1", opts...)
	require.NoError(t, err)

	return c
}

// TestNew_ValidatesBaseURL verifies that New rejects an empty base URL.
func TestNew_ValidatesBaseURL(t *testing.T) {
	t.Parallel()

	c, err := New("", "rtsp://camera.local/stream1")
	require.Error(t, err)
	require.Nil(t, c)
}

// TestDetect_ForwardsBodyAndReturnsRawResult checks the detect path, body and raw passthrough.
func TestDetect_ForwardsBodyAndReturnsRawResult(t *testing.T) {
	t.Parallel()

	svc := &fakeService{status: http.StatusOK, response: `{"faces":[{"box":[1,2,3,4]}],"extra":true}`}
	c := newTestClient(t, svc)

	result, err := c.Detect(context.Background(), monitor.KindFace, []byte(`{"image_base64":"AAAA"}`))
	require.NoError(t, err)
	require.JSONEq(t, svc.response, string(result))

	requests := svc.seen()
	require.Len(t, requests, 1)
	require.Equal(t, "/detect/face", requests[0].path)
	require.JSONEq(t, `{"image_base64":"AAAA"}`, string(requests[0].body))
	require.Contains(t, requests[0].userAgent, "lab-monitor/")
}

// TestDetect_Errors covers non-2xx answers, invalid JSON and timeouts.
func TestDetect_Errors(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, &fakeService{status: http.StatusBadGateway})
	_, err := c.Detect(context.Background(), monitor.KindPerson, []byte(`{}`))
	require.ErrorIs(t, err, errBadHTTPStatus)

	c = newTestClient(t, &fakeService{status: http.StatusOK, response: "<html>"})
	_, err = c.Detect(context.Background(), monitor.KindPerson, []byte(`{}`))
	require.ErrorIs(t, err, errInvalidJSON)

	c = newTestClient(t, &fakeService{status: http.StatusOK, response: "{}", delay: time.Second},
		WithDetectTimeout(20*time.Millisecond))
	_, err = c.Detect(context.Background(), monitor.KindObject, []byte(`{}`))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestControlCalls checks record and snapshot command bodies.
func TestControlCalls(t *testing.T) {
	t.Parallel()

	svc := &fakeService{status: http.StatusOK, response: `{"ok":true}`}
	c := newTestClient(t, svc, WithControlTimeout(time.Second))

	require.NoError(t, c.StartRecording(context.Background()))
	require.NoError(t, c.StopRecording(context.Background()))
	require.NoError(t, c.CaptureSnapshot(context.Background(), "BBBB"))

	requests := svc.seen()
	require.Len(t, requests, 3)

	var record recordRequest

	require.Equal(t, "/record", requests[0].path)
	require.NoError(t, json.Unmarshal(requests[0].body, &record))
	require.Equal(t, recordRequest{Action: "start", Source: "rtsp://camera.local/stream1"}, record)

	require.NoError(t, json.Unmarshal(requests[1].body, &record))
	require.Equal(t, "stop", record.Action)

	var snapshot snapshotRequest

	require.Equal(t, "/snapshot", requests[2].path)
	require.NoError(t, json.Unmarshal(requests[2].body, &snapshot))
	require.Equal(t, snapshotRequest{Source: "provided", ImageBase64: "BBBB"}, snapshot)
}

// TestControlCalls_Timeout checks that control calls use their own, shorter deadline.
func TestControlCalls_Timeout(t *testing.T) {
	t.Parallel()

	svc := &fakeService{status: http.StatusOK, delay: time.Second}
	c := newTestClient(t, svc, WithControlTimeout(20*time.Millisecond))

	err := c.StartRecording(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
