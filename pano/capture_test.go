package pano

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngBytes returns a w x h PNG filled with c.
func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHTTPCapturer_Success(t *testing.T) {
	body := pngBytes(t, 4, 4, color.White)
	viewer := "https://www.google.com/maps/@?api=1&map_action=pano&viewpoint=38.7,-9.1&heading=0&pitch=0"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("url"); got != viewer {
			t.Errorf("url param = %q, want %q", got, viewer)
		}
		w.Header().Set(CaptureDateHeader, "Image capture: 03/2021 © 2024 Google")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c, err := NewHTTPCapturer(srv.URL+"/capture", WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	res, err := c.Capture(context.Background(), viewer)
	require.NoError(t, err)
	assert.Equal(t, "03/2021", res.Date)
	assert.Equal(t, body, res.Image)
}

func TestHTTPCapturer_NoDate(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"no header", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("png"))
		}},
		{"header without date", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(CaptureDateHeader, "© Google")
			_, _ = w.Write([]byte("png"))
		}},
		{"no content", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c, err := NewHTTPCapturer(srv.URL, WithHTTPClient(srv.Client()))
			require.NoError(t, err)
			res, err := c.Capture(context.Background(), "https://example.com/view")
			require.NoError(t, err)
			assert.Empty(t, res.Date)
			assert.Empty(t, res.Image)
		})
	}
}

func TestHTTPCapturer_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set(CaptureDateHeader, "11/2019")
		_, _ = w.Write([]byte("img"))
	}))
	defer srv.Close()

	c, err := NewHTTPCapturer(srv.URL, WithHTTPClient(srv.Client()), WithBaseBackoff(time.Millisecond))
	require.NoError(t, err)

	res, err := c.Capture(context.Background(), "https://example.com/view")
	require.NoError(t, err)
	assert.Equal(t, "11/2019", res.Date)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestHTTPCapturer_AllAttemptsFail(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewHTTPCapturer(srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(2),
		WithBaseBackoff(time.Millisecond),
	)
	require.NoError(t, err)

	_, err = c.Capture(context.Background(), "https://example.com/view")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 attempts failed")
	assert.Equal(t, int32(2), attempts.Load())
}

func TestHTTPCapturer_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewHTTPCapturer(srv.URL, WithHTTPClient(srv.Client()), WithBaseBackoff(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Capture(ctx, "https://example.com/view")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestNewHTTPCapturer_EmptyEndpoint(t *testing.T) {
	_, err := NewHTTPCapturer("")
	assert.Error(t, err)
}

func TestExtractCaptureDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Image capture: 05/2022", "05/2022"},
		{"12/2019 and 01/2020", "12/2019"},
		{"1/2020", ""},
		{"05/20222", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractCaptureDate(tt.in), "input %q", tt.in)
	}
}

func TestEnsurePitch(t *testing.T) {
	assert.Equal(t, "https://x/?a=1&pitch=0", ensurePitch("https://x/?a=1"))
	assert.Equal(t, "https://x/?a=1&pitch=10", ensurePitch("https://x/?a=1&pitch=10"))
}

// fakeCapturer answers from a table keyed by heading found in the URL.
type fakeCapturer struct {
	mu    sync.Mutex
	calls []string
	image []byte
	// byHeading maps "heading=N" to the date returned; "error" fails the call.
	byHeading map[string]string
}

func (f *fakeCapturer) Capture(_ context.Context, viewerURL string) (*CaptureResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, viewerURL)
	f.mu.Unlock()

	for key, date := range f.byHeading {
		if !strings.Contains(viewerURL, key+"&") {
			continue
		}
		switch date {
		case "error":
			return nil, errors.New("render failed")
		case "":
			return &CaptureResult{}, nil
		default:
			return &CaptureResult{Image: f.image, Date: date}, nil
		}
	}
	return nil, errors.New("unexpected url " + viewerURL)
}

func (f *fakeCapturer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func ledgerRecords(points ...[2]float64) []ViewpointRecord {
	l := NewLedger()
	e := NewExpander("", DefaultAngles, nil)
	for _, p := range points {
		for _, r := range e.Expand(geoPoint(p[1], p[0])) {
			l.Upsert(r)
		}
	}
	return l.Records()
}

func TestRunCapture_StatusesAndResume(t *testing.T) {
	dir := t.TempDir()
	opts := CaptureOptions{
		LogPath:         filepath.Join(dir, "status.csv"),
		ImagesDir:       filepath.Join(dir, "images"),
		Workers:         3,
		CheckpointEvery: 2,
	}
	records := ledgerRecords([2]float64{38.7, -9.1})
	capturer := &fakeCapturer{
		image: pngBytes(t, 2, 2, color.Black),
		byHeading: map[string]string{
			"heading=0":   "04/2021",
			"heading=90":  "04/2021",
			"heading=180": "",
			"heading=270": "error",
		},
	}
	metrics := NewMetrics()

	summary, err := RunCapture(context.Background(), capturer, records, opts, metrics)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Attempted)
	assert.Equal(t, 2, summary.Downloaded)
	assert.Equal(t, 1, summary.NotDownloaded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Captures.WithLabelValues(StatusDownloaded)))

	for _, call := range capturer.calls {
		assert.True(t, strings.HasSuffix(call, "&pitch=0"), call)
	}

	capLog, err := LoadCaptureLog(opts.LogPath)
	require.NoError(t, err)
	entries := capLog.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, StatusDownloaded, entries[0].Status)
	assert.Equal(t, "04/2021", entries[0].Date)
	assert.Equal(t, StatusNotDownloaded, entries[2].Status)
	assert.Equal(t, DateNone, entries[2].Date)
	assert.Equal(t, StatusFailed, entries[3].Status)
	assert.Equal(t, DateUnavailable, entries[3].Date)

	assert.FileExists(t, ImagePath(opts.ImagesDir, 1))
	assert.FileExists(t, ImagePath(opts.ImagesDir, 2))
	assert.NoFileExists(t, ImagePath(opts.ImagesDir, 3))

	// A second run retries only the rows without a downloaded image.
	retry := &fakeCapturer{
		image:     capturer.image,
		byHeading: map[string]string{"heading=180": "05/2021", "heading=270": "05/2021"},
	}
	summary, err = RunCapture(context.Background(), retry, records, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 2, summary.Downloaded)
	assert.Equal(t, 2, retry.callCount())

	// A downloaded row whose image disappeared is captured again.
	require.NoError(t, os.Remove(ImagePath(opts.ImagesDir, 1)))
	again := &fakeCapturer{image: capturer.image, byHeading: map[string]string{"heading=0": "04/2021"}}
	summary, err = RunCapture(context.Background(), again, records, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, again.callCount())
	assert.Equal(t, 3, summary.Skipped)
}

func TestRunCapture_NewLedgerRowsAreAppended(t *testing.T) {
	dir := t.TempDir()
	opts := CaptureOptions{LogPath: filepath.Join(dir, "status.csv"), ImagesDir: filepath.Join(dir, "images"), Workers: 1}
	capturer := &fakeCapturer{
		image:     []byte("img"),
		byHeading: map[string]string{"heading=0": "01/2020", "heading=90": "01/2020", "heading=180": "01/2020", "heading=270": "01/2020"},
	}

	_, err := RunCapture(context.Background(), capturer, ledgerRecords([2]float64{1, 1}), opts, nil)
	require.NoError(t, err)

	more := ledgerRecords([2]float64{1, 1}, [2]float64{2, 2})
	summary, err := RunCapture(context.Background(), capturer, more, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Skipped)
	assert.Equal(t, 4, summary.Downloaded)

	capLog, err := LoadCaptureLog(opts.LogPath)
	require.NoError(t, err)
	assert.Len(t, capLog.Entries(), 8)
	e, ok := capLog.Entry(8)
	require.True(t, ok)
	assert.Equal(t, 2.0, e.Latitude)
}

func TestRunCapture_CancelledContextFlushesLog(t *testing.T) {
	dir := t.TempDir()
	opts := CaptureOptions{LogPath: filepath.Join(dir, "status.csv"), ImagesDir: filepath.Join(dir, "images"), Workers: 2}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	capturer := &fakeCapturer{}
	summary, err := RunCapture(ctx, capturer, ledgerRecords([2]float64{1, 1}), opts, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, summary)
	assert.Zero(t, summary.Attempted)
	assert.Zero(t, capturer.callCount())

	capLog, err := LoadCaptureLog(opts.LogPath)
	require.NoError(t, err)
	for _, e := range capLog.Entries() {
		assert.Equal(t, StatusNotDownloaded, e.Status)
		assert.Equal(t, DateUnavailable, e.Date)
	}
}

func TestLoadCaptureLog_PersistenceError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.csv")
	writeFile(t, path, "Latitude,Longitude,Angle,Image_URL,Image_Name\n1,2,0,u,1\n")

	_, err := LoadCaptureLog(path)
	var perr *PersistenceError
	assert.True(t, errors.As(err, &perr), "got %v", err)
}
