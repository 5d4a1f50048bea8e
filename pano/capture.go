package pano

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultCaptureTimeout bounds a single render request. Rendering a
	// viewer page is slow, so this is well above a plain API call.
	DefaultCaptureTimeout = 60 * time.Second

	// DefaultMaxRetries is the default number of attempts per viewpoint.
	DefaultMaxRetries = 3

	// CaptureDateHeader carries the viewer's visible capture date text.
	CaptureDateHeader = "X-Capture-Date"

	defaultBaseBackoff = 500 * time.Millisecond

	// maxImageBytes limits the response body to 50 MB to prevent OOM.
	maxImageBytes = 50 << 20
)

var captureDatePattern = regexp.MustCompile(`\b\d{2}/\d{4}\b`)

// CaptureLogColumns is the ledger contract plus the two capture columns.
var CaptureLogColumns = []string{
	"Latitude", "Longitude", "Angle", "Image_URL", "Image_Name",
	"Image_Download_Status", "Image_Date",
}

// CaptureResult is what a Capturer got for one viewpoint. An empty Date means
// the viewer showed no capture date and the image must not be kept.
type CaptureResult struct {
	Image []byte
	Date  string
}

// Capturer renders a viewer URL into an image.
type Capturer interface {
	Capture(ctx context.Context, viewerURL string) (*CaptureResult, error)
}

// CaptureOption configures an HTTPCapturer.
type CaptureOption func(*captureConfig)

type captureConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultCaptureConfig() captureConfig {
	return captureConfig{
		timeout:     DefaultCaptureTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) CaptureOption {
	return func(c *captureConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) CaptureOption {
	return func(c *captureConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) CaptureOption {
	return func(c *captureConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) CaptureOption {
	return func(c *captureConfig) {
		c.client = client
	}
}

// HTTPCapturer asks a headless-browser render service for a screenshot of a
// viewer URL: GET <endpoint>?url=<viewer url>. The service answers 200 with
// the image body and the visible date text in X-Capture-Date, or 204 when the
// location has no imagery.
type HTTPCapturer struct {
	endpoint string
	cfg      captureConfig
	client   *http.Client
}

// NewHTTPCapturer creates a capturer for the render service at endpoint.
func NewHTTPCapturer(endpoint string, opts ...CaptureOption) (*HTTPCapturer, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("capture: endpoint is empty")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("capture: invalid endpoint %q: %w", endpoint, err)
	}

	cfg := defaultCaptureConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	return &HTTPCapturer{endpoint: endpoint, cfg: cfg, client: client}, nil
}

// Capture renders viewerURL, retrying transient failures with exponential
// backoff.
func (c *HTTPCapturer) Capture(ctx context.Context, viewerURL string) (*CaptureResult, error) {
	reqURL, err := c.requestURL(viewerURL)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := range c.cfg.maxRetries {
		if attempt > 0 {
			backoff := c.cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("capture: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		res, err := doCapture(ctx, c.client, reqURL)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("capture: %w", ctx.Err())
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt+1).Debug("capture attempt failed")
	}

	return nil, fmt.Errorf("capture: all %d attempts failed: %w", c.cfg.maxRetries, lastErr)
}

func (c *HTTPCapturer) requestURL(viewerURL string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("capture: invalid endpoint %q: %w", c.endpoint, err)
	}
	q := u.Query()
	q.Set("url", viewerURL)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// doCapture performs a single render request.
func doCapture(ctx context.Context, client *http.Client, reqURL string) (*CaptureResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "image/png")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", reqURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return &CaptureResult{}, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("HTTP GET %s: status %d", reqURL, resp.StatusCode)
	}

	date := ExtractCaptureDate(resp.Header.Get(CaptureDateHeader))
	if date == "" {
		return &CaptureResult{}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", reqURL, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("HTTP GET %s: empty image", reqURL)
	}
	return &CaptureResult{Image: body, Date: date}, nil
}

// ExtractCaptureDate returns the first mm/yyyy token in text, or "".
func ExtractCaptureDate(text string) string {
	return captureDatePattern.FindString(text)
}

// ensurePitch pins the camera to the horizon unless the URL sets a pitch.
func ensurePitch(viewerURL string) string {
	if strings.Contains(viewerURL, "pitch=") {
		return viewerURL
	}
	return viewerURL + "&pitch=0"
}

// CaptureEntry is one row of the capture log.
type CaptureEntry struct {
	ViewpointRecord
	Status string
	Date   string
}

// CaptureLog mirrors the ledger with the capture outcome of every row.
type CaptureLog struct {
	entries []CaptureEntry
	byID    map[int]int
}

func newCaptureLog() *CaptureLog {
	return &CaptureLog{byID: make(map[int]int)}
}

// LoadCaptureLog reads a capture log. A missing or empty file yields an
// empty log.
func LoadCaptureLog(path string) (*CaptureLog, error) {
	header, rows, exists, err := readCSVFile(path)
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}
	cl := newCaptureLog()
	if !exists {
		return cl, nil
	}

	idx, err := columnIndex(header, CaptureLogColumns)
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}

	for i, row := range rows {
		ordered := make([]string, len(LedgerColumns))
		for j, name := range LedgerColumns {
			ordered[j] = row[idx[name]]
		}
		rec, err := parseLedgerRow(ordered)
		if err != nil {
			return nil, persistenceErrorf(path, "line %d: %v", i+2, err)
		}
		if _, dup := cl.byID[rec.SequenceID]; dup {
			return nil, persistenceErrorf(path, "line %d: duplicate Image_Name %d", i+2, rec.SequenceID)
		}
		cl.byID[rec.SequenceID] = len(cl.entries)
		cl.entries = append(cl.entries, CaptureEntry{
			ViewpointRecord: rec,
			Status:          row[idx["Image_Download_Status"]],
			Date:            row[idx["Image_Date"]],
		})
	}
	return cl, nil
}

// Merge rebuilds the log in ledger order. Rows already in the log keep their
// status and date; new rows start as not downloaded. It returns the number
// of new rows.
func (l *CaptureLog) Merge(records []ViewpointRecord) int {
	merged := make([]CaptureEntry, 0, len(records))
	byID := make(map[int]int, len(records))
	added := 0
	for _, rec := range records {
		entry := CaptureEntry{ViewpointRecord: rec, Status: StatusNotDownloaded, Date: DateUnavailable}
		if i, ok := l.byID[rec.SequenceID]; ok && l.entries[i].Key() == rec.Key() {
			entry.Status = l.entries[i].Status
			entry.Date = l.entries[i].Date
		} else {
			added++
		}
		byID[rec.SequenceID] = len(merged)
		merged = append(merged, entry)
	}
	l.entries = merged
	l.byID = byID
	return added
}

// Entries returns a copy of the rows.
func (l *CaptureLog) Entries() []CaptureEntry {
	out := make([]CaptureEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Entry returns the row for a sequence id.
func (l *CaptureLog) Entry(id int) (CaptureEntry, bool) {
	i, ok := l.byID[id]
	if !ok {
		return CaptureEntry{}, false
	}
	return l.entries[i], true
}

// Persist writes the log atomically.
func (l *CaptureLog) Persist(path string) error {
	rows := make([][]string, 0, len(l.entries))
	for _, e := range l.entries {
		rows = append(rows, []string{
			FormatCoord(e.Latitude),
			FormatCoord(e.Longitude),
			strconv.Itoa(e.Angle),
			e.URL,
			strconv.Itoa(e.SequenceID),
			e.Status,
			e.Date,
		})
	}
	if err := writeCSVAtomic(path, CaptureLogColumns, rows); err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	return nil
}

// ImagePath returns where the image for a sequence id is stored.
func ImagePath(dir string, id int) string {
	return filepath.Join(dir, strconv.Itoa(id)+".png")
}

// CaptureOptions configures one capture run
type CaptureOptions struct {
	LogPath         string
	ImagesDir       string
	Workers         int
	CheckpointEvery int
}

// CaptureSummary counts the outcomes of a capture run
type CaptureSummary struct {
	Rows          int           `json:"rows"`
	Attempted     int           `json:"attempted"`
	Downloaded    int           `json:"downloaded"`
	NotDownloaded int           `json:"notDownloaded"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	Duration      time.Duration `json:"duration"`
}

// RunCapture captures every ledger record that does not yet have a
// downloaded image on disk. Capture failures are recorded as row statuses and
// never stop the run. The log is flushed every CheckpointEvery rows and once
// more at the end, including on cancellation.
func RunCapture(ctx context.Context, capturer Capturer, records []ViewpointRecord, opts CaptureOptions, metrics *Metrics) (*CaptureSummary, error) {
	start := time.Now()

	capLog, err := LoadCaptureLog(opts.LogPath)
	if err != nil {
		return nil, err
	}
	added := capLog.Merge(records)
	if err := os.MkdirAll(opts.ImagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create images directory: %w", err)
	}

	summary := &CaptureSummary{Rows: len(records)}
	var todo []int
	for i, e := range capLog.entries {
		if e.Status == StatusDownloaded && fileExists(ImagePath(opts.ImagesDir, e.SequenceID)) {
			summary.Skipped++
			metrics.Skip(SkipAlreadyCaptured)
			continue
		}
		todo = append(todo, i)
	}
	log.WithFields(log.Fields{
		"rows":    len(records),
		"new":     added,
		"pending": len(todo),
	}).Info("starting capture")

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	var (
		mu       sync.Mutex
		done     int
		flushErr error
	)
	record := func(i int, status, date string) {
		mu.Lock()
		defer mu.Unlock()
		capLog.entries[i].Status = status
		capLog.entries[i].Date = date
		summary.Attempted++
		switch status {
		case StatusDownloaded:
			summary.Downloaded++
		case StatusNotDownloaded:
			summary.NotDownloaded++
		case StatusFailed:
			summary.Failed++
		}
		if metrics != nil {
			metrics.Captures.WithLabelValues(status).Inc()
		}
		done++
		if opts.CheckpointEvery > 0 && done%opts.CheckpointEvery == 0 {
			if err := capLog.Persist(opts.LogPath); err != nil && flushErr == nil {
				flushErr = err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, i := range todo {
		if gctx.Err() != nil {
			break
		}
		entry := capLog.entries[i]
		g.Go(func() error {
			status, date := captureOne(gctx, capturer, entry, opts.ImagesDir)
			if gctx.Err() != nil {
				// Interrupted rows keep their previous status.
				return nil
			}
			record(i, status, date)
			return nil
		})
	}
	_ = g.Wait()

	if err := capLog.Persist(opts.LogPath); err != nil {
		return summary, err
	}
	if flushErr != nil {
		return summary, flushErr
	}

	summary.Duration = time.Since(start)
	if metrics != nil {
		metrics.StageDuration.WithLabelValues("capture").Set(summary.Duration.Seconds())
	}
	if err := ctx.Err(); err != nil {
		log.WithField("attempted", summary.Attempted).Warn("capture interrupted")
		return summary, fmt.Errorf("capture interrupted: %w", err)
	}

	log.WithFields(log.Fields{
		"downloaded":     summary.Downloaded,
		"not_downloaded": summary.NotDownloaded,
		"failed":         summary.Failed,
		"skipped":        summary.Skipped,
	}).Info("capture complete")
	return summary, nil
}

// captureOne captures a single row and returns its new status and date.
func captureOne(ctx context.Context, capturer Capturer, entry CaptureEntry, imagesDir string) (status, date string) {
	logger := log.WithField("image_name", entry.SequenceID)

	res, err := capturer.Capture(ctx, ensurePitch(entry.URL))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("capture failed")
		}
		return StatusFailed, DateUnavailable
	}
	if res.Date == "" || len(res.Image) == 0 {
		logger.Debug("no capture date, image not kept")
		return StatusNotDownloaded, DateNone
	}

	path := ImagePath(imagesDir, entry.SequenceID)
	if err := os.WriteFile(path, res.Image, 0o644); err != nil {
		logger.WithError(err).Warn("writing image failed")
		return StatusFailed, DateUnavailable
	}
	logger.WithField("date", res.Date).Debug("image captured")
	return StatusDownloaded, res.Date
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
