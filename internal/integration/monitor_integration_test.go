//go:build unix

package integration

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/lab-monitor/internal/config"
	"github.com/oshokin/lab-monitor/internal/service/probe"
	"github.com/oshokin/lab-monitor/internal/service/server"
)

// fakeTranscoder writes the playlist named by its last argument and idles
// until terminated, exiting like ffmpeg does after SIGTERM.
const fakeTranscoder = `#!/bin/sh
trap 'exit 255' TERM INT
for last; do :; done
echo '#EXTM3U' > "$last"
while :; do sleep 0.1; done
`

// detectionService is a fake detection service that always finds a face.
type detectionService struct {
	// mu protects paths.
	mu sync.Mutex
	// paths holds the path of every request received.
	paths []string
}

func (d *detectionService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)

	d.mu.Lock()
	d.paths = append(d.paths, r.URL.Path)
	d.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/detect/face" {
		_, _ = io.WriteString(w, `{"faces":[{"box":[1,2,3,4]}]}`)
		return
	}

	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

func (d *detectionService) count(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0

	for _, p := range d.paths {
		if p == path {
			n++
		}
	}

	return n
}

// freeAddress reserves a free local port.
func freeAddress(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	_ = l.Close()

	return addr
}

// startMonitor runs the monitor with a fake transcoder and returns its HTTP and gRPC addresses.
// The returned stop function cancels the monitor and waits for Run to return.
func startMonitor(t *testing.T, detectionURL string) (httpAddr, grpcAddr, outputDir string, stop func() error) {
	t.Helper()

	dir := t.TempDir()
	transcoder := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(transcoder, []byte(fakeTranscoder), 0o700)) //nolint:gosec // Test executable.

	httpAddr = freeAddress(t)
	grpcAddr = freeAddress(t)
	outputDir = filepath.Join(dir, "videos", "ipcam")
	cfgPath := filepath.Join(dir, "settings.yaml")

	require.NoError(t, config.Save(cfgPath, &config.Config{
		ListenAddress: httpAddr,
		GRPCAddress:   grpcAddr,
		Detection:     config.Detection{BaseURL: detectionURL},
		Stream: config.Stream{
			FFmpegPath: transcoder,
			SourceURL:  "rtsp://cam.local/stream1",
			OutputDir:  outputDir,
		},
		Supervisor: config.Supervisor{StopTimeout: 2 * time.Second},
		Health: config.Health{
			Settle: 200 * time.Millisecond,
			Period: 200 * time.Millisecond,
		},
		Journal: config.Journal{Path: filepath.Join(dir, "journal.db")},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- server.Run(ctx, &server.Options{ConfigPath: cfgPath})
	}()

	return httpAddr, grpcAddr, outputDir, func() error {
		cancel()

		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("monitor did not stop")
			return nil
		}
	}
}

func getStatus(t *testing.T, addr string) map[string]any {
	t.Helper()

	resp, err := http.Get("http://" + addr + "/api/status") //nolint:noctx // Test helper.
	if err != nil {
		return nil
	}

	defer resp.Body.Close()

	var status map[string]any
	if json.NewDecoder(resp.Body).Decode(&status) != nil {
		return nil
	}

	return status
}

// TestMonitor_EndToEnd starts the real monitor and exercises streaming, health, detection and toggles.
func TestMonitor_EndToEnd(t *testing.T) {
	t.Parallel()

	detector := &detectionService{}
	detectionServer := httptest.NewServer(detector)
	t.Cleanup(detectionServer.Close)

	httpAddr, grpcAddr, outputDir, stop := startMonitor(t, detectionServer.URL)

	// The transcoder starts and writes its playlist.
	require.Eventually(t, func() bool {
		status := getStatus(t, httpAddr)

		return status != nil && status["ffmpeg_running"] == true && status["streaming"] == true
	}, 5*time.Second, 50*time.Millisecond)

	_, err := os.Stat(filepath.Join(outputDir, "index.m3u8"))
	require.NoError(t, err)

	// The health monitor reports the stream over gRPC.
	require.Eventually(t, func() bool {
		return probe.Run(context.Background(), &probe.Options{Address: grpcAddr, Timeout: time.Second}) == nil
	}, 5*time.Second, 50*time.Millisecond)

	// Enable recording, then send a frame with a face in it.
	resp, err := http.Post("http://"+httpAddr+"/api/record/toggle", "application/json", nil) //nolint:noctx // Test.
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Post("http://"+httpAddr+"/api/detect/face", "application/json", //nolint:noctx // Test.
		strings.NewReader(`{"image_base64":"aW1n"}`))
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"faces":[{"box":[1,2,3,4]}]}`, string(body))

	// The record action runs after the response and lands in the journal.
	require.Eventually(t, func() bool {
		return detector.count("/record") == 1
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		eventsResp, getErr := http.Get("http://" + httpAddr + "/api/events") //nolint:noctx // Test.
		if getErr != nil {
			return false
		}

		defer eventsResp.Body.Close()

		var events struct {
			Events []map[string]any `json:"events"`
		}

		return json.NewDecoder(eventsResp.Body).Decode(&events) == nil && len(events.Events) == 1
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, stop())
	require.Equal(t, 1, detector.count("/detect/face"))
}
