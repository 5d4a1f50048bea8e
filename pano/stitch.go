package pano

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // render services may answer with JPEG
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PanoramaIndexColumns is the column contract of the panorama index.
var PanoramaIndexColumns = []string{"Latitude", "Longitude", "Image_Name", "Image_Date"}

// Stitcher combines the directional images of one location into a panorama.
// Images arrive in ascending angle order.
type Stitcher interface {
	Stitch(images []image.Image) (image.Image, error)
}

// ConcatStitcher scales every image to a common height and places them side
// by side. It does no feature matching or blending.
type ConcatStitcher struct {
	// Height of the output; 0 uses the smallest input height.
	Height int
}

// Stitch implements Stitcher.
func (s ConcatStitcher) Stitch(images []image.Image) (image.Image, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("stitch: no images")
	}

	height := s.Height
	if height <= 0 {
		for _, img := range images {
			if h := img.Bounds().Dy(); height == 0 || h < height {
				height = h
			}
		}
	}
	if height <= 0 {
		return nil, fmt.Errorf("stitch: empty image")
	}

	widths := make([]int, len(images))
	total := 0
	for i, img := range images {
		b := img.Bounds()
		if b.Dx() == 0 || b.Dy() == 0 {
			return nil, fmt.Errorf("stitch: image %d is empty", i)
		}
		widths[i] = (b.Dx()*height + b.Dy()/2) / b.Dy()
		if widths[i] < 1 {
			widths[i] = 1
		}
		total += widths[i]
	}

	dst := image.NewRGBA(image.Rect(0, 0, total, height))
	x := 0
	for i, img := range images {
		rect := image.Rect(x, 0, x+widths[i], height)
		draw.CatmullRom.Scale(dst, rect, img, img.Bounds(), draw.Src, nil)
		x += widths[i]
	}
	return dst, nil
}

// PanoramaKey groups captures taken at one location on one date.
type PanoramaKey struct {
	Latitude  float64
	Longitude float64
	Date      string
}

// PanoramaGroup is the set of downloaded captures sharing a key, sorted by
// angle.
type PanoramaGroup struct {
	Key     PanoramaKey
	Members []CaptureEntry
}

// GroupCaptures groups downloaded rows by location and capture date. Groups
// are sorted by latitude, longitude and date.
func GroupCaptures(entries []CaptureEntry) []PanoramaGroup {
	byKey := make(map[PanoramaKey]*PanoramaGroup)
	var keys []PanoramaKey
	for _, e := range entries {
		if e.Status != StatusDownloaded || e.Date == "" || e.Date == DateNone || e.Date == DateUnavailable {
			continue
		}
		k := PanoramaKey{Latitude: e.Latitude, Longitude: e.Longitude, Date: e.Date}
		g, ok := byKey[k]
		if !ok {
			g = &PanoramaGroup{Key: k}
			byKey[k] = g
			keys = append(keys, k)
		}
		g.Members = append(g.Members, e)
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Latitude != b.Latitude {
			return a.Latitude < b.Latitude
		}
		if a.Longitude != b.Longitude {
			return a.Longitude < b.Longitude
		}
		return a.Date < b.Date
	})

	groups := make([]PanoramaGroup, 0, len(keys))
	for _, k := range keys {
		g := byKey[k]
		sort.SliceStable(g.Members, func(i, j int) bool {
			if g.Members[i].Angle != g.Members[j].Angle {
				return g.Members[i].Angle < g.Members[j].Angle
			}
			return g.Members[i].SequenceID < g.Members[j].SequenceID
		})
		groups = append(groups, *g)
	}
	return groups
}

// complete reports whether the group holds exactly one capture per angle.
func (g PanoramaGroup) complete(angles []int) bool {
	if len(g.Members) != len(angles) {
		return false
	}
	seen := make(map[int]bool, len(angles))
	for _, m := range g.Members {
		if seen[m.Angle] {
			return false
		}
		seen[m.Angle] = true
	}
	for _, a := range angles {
		if !seen[a] {
			return false
		}
	}
	return true
}

// PanoramaEntry is one row of the panorama index.
type PanoramaEntry struct {
	Key  PanoramaKey
	Name int
}

// FileName is the panorama's file name inside the panoramas directory.
func (e PanoramaEntry) FileName() string {
	return strconv.Itoa(e.Name) + ".png"
}

// PanoramaIndex records the panoramas already produced.
type PanoramaIndex struct {
	entries []PanoramaEntry
	keys    map[PanoramaKey]bool
	maxName int
}

// LoadPanoramaIndex reads the index. A missing or empty file yields an empty
// index.
func LoadPanoramaIndex(path string) (*PanoramaIndex, error) {
	header, rows, exists, err := readCSVFile(path)
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}
	idx := &PanoramaIndex{keys: make(map[PanoramaKey]bool)}
	if !exists {
		return idx, nil
	}

	cols, err := columnIndex(header, PanoramaIndexColumns)
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}
	for i, row := range rows {
		var e PanoramaEntry
		if e.Key.Latitude, err = parseCoord(row[cols["Latitude"]]); err != nil {
			return nil, persistenceErrorf(path, "line %d: Latitude: %v", i+2, err)
		}
		if e.Key.Longitude, err = parseCoord(row[cols["Longitude"]]); err != nil {
			return nil, persistenceErrorf(path, "line %d: Longitude: %v", i+2, err)
		}
		name := strings.TrimSuffix(row[cols["Image_Name"]], ".png")
		if e.Name, err = parseWholeNumber(name); err != nil {
			return nil, persistenceErrorf(path, "line %d: Image_Name: %v", i+2, err)
		}
		e.Key.Date = row[cols["Image_Date"]]
		idx.add(e)
	}
	return idx, nil
}

func (p *PanoramaIndex) add(e PanoramaEntry) {
	p.entries = append(p.entries, e)
	p.keys[e.Key] = true
	if e.Name > p.maxName {
		p.maxName = e.Name
	}
}

// Has reports whether a panorama exists for key.
func (p *PanoramaIndex) Has(key PanoramaKey) bool { return p.keys[key] }

// Next returns the entry the next panorama for key would get.
func (p *PanoramaIndex) Next(key PanoramaKey) PanoramaEntry {
	return PanoramaEntry{Key: key, Name: p.maxName + 1}
}

// Len returns the number of panoramas.
func (p *PanoramaIndex) Len() int { return len(p.entries) }

// Entries returns a copy of the rows.
func (p *PanoramaIndex) Entries() []PanoramaEntry {
	out := make([]PanoramaEntry, len(p.entries))
	copy(out, p.entries)
	return out
}

// Persist writes the index atomically.
func (p *PanoramaIndex) Persist(path string) error {
	rows := make([][]string, 0, len(p.entries))
	for _, e := range p.entries {
		rows = append(rows, []string{
			FormatCoord(e.Key.Latitude),
			FormatCoord(e.Key.Longitude),
			e.FileName(),
			e.Key.Date,
		})
	}
	if err := writeCSVAtomic(path, PanoramaIndexColumns, rows); err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	return nil
}

// StitchOptions configures one stitch run
type StitchOptions struct {
	CaptureLogPath string
	ImagesDir      string
	PanoramasDir   string
	IndexPath      string
	Angles         []int
	// StampDate writes the capture date into the corner of each panorama.
	StampDate bool
}

// StitchSummary counts group outcomes
type StitchSummary struct {
	Groups          int           `json:"groups"`
	Stitched        int           `json:"stitched"`
	AlreadyStitched int           `json:"alreadyStitched"`
	Incomplete      int           `json:"incomplete"`
	Unreadable      int           `json:"unreadable"`
	Failed          int           `json:"failed"`
	Duration        time.Duration `json:"duration"`
}

// RunStitch builds one panorama per complete group of downloaded captures.
// Groups without exactly one readable image per angle are skipped and
// reported. Re-runs skip keys already in the index and continue numbering.
func RunStitch(ctx context.Context, stitcher Stitcher, opts StitchOptions, metrics *Metrics) (*StitchSummary, error) {
	start := time.Now()

	capLog, err := LoadCaptureLog(opts.CaptureLogPath)
	if err != nil {
		return nil, err
	}
	index, err := LoadPanoramaIndex(opts.IndexPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.PanoramasDir, 0o755); err != nil {
		return nil, fmt.Errorf("create panoramas directory: %w", err)
	}

	groups := GroupCaptures(capLog.Entries())
	summary := &StitchSummary{Groups: len(groups)}
	outcome := func(name string) {
		if metrics != nil {
			metrics.Panoramas.WithLabelValues(name).Inc()
		}
	}

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("stitch interrupted: %w", err)
		}
		logger := log.WithFields(log.Fields{
			"lat":  g.Key.Latitude,
			"lon":  g.Key.Longitude,
			"date": g.Key.Date,
		})

		if index.Has(g.Key) {
			summary.AlreadyStitched++
			metrics.Skip(SkipAlreadyStitched)
			continue
		}
		if !g.complete(opts.Angles) {
			logger.WithField("images", len(g.Members)).Info("incomplete images for panorama, skipping")
			summary.Incomplete++
			metrics.Skip(SkipIncompleteGroup)
			outcome("incomplete")
			continue
		}

		images, err := loadGroupImages(opts.ImagesDir, g)
		if err != nil {
			logger.WithError(err).Info("unreadable image, skipping panorama")
			summary.Unreadable++
			metrics.Skip(SkipUnreadableImage)
			outcome("unreadable")
			continue
		}

		panorama, err := stitcher.Stitch(images)
		if err != nil {
			logger.WithError(err).Warn("failed to create panorama")
			summary.Failed++
			outcome("failed")
			continue
		}
		if opts.StampDate {
			panorama = stampDate(panorama, g.Key.Date)
		}

		entry := index.Next(g.Key)
		path := filepath.Join(opts.PanoramasDir, entry.FileName())
		if err := writePNG(path, panorama); err != nil {
			logger.WithError(err).Warn("failed to save panorama")
			summary.Failed++
			outcome("failed")
			continue
		}
		index.add(entry)
		if err := index.Persist(opts.IndexPath); err != nil {
			return summary, err
		}
		summary.Stitched++
		outcome("stitched")
		logger.WithField("path", path).Debug("panorama saved")
	}

	summary.Duration = time.Since(start)
	if metrics != nil {
		metrics.StageDuration.WithLabelValues("stitch").Set(summary.Duration.Seconds())
	}
	if summary.Stitched == 0 && index.Len() == 0 {
		// Leave a header-only index so downstream readers find the file.
		if err := index.Persist(opts.IndexPath); err != nil {
			return summary, err
		}
	}

	log.WithFields(log.Fields{
		"groups":     summary.Groups,
		"stitched":   summary.Stitched,
		"incomplete": summary.Incomplete,
		"unreadable": summary.Unreadable,
		"failed":     summary.Failed,
	}).Info("stitching complete")
	return summary, nil
}

func loadGroupImages(dir string, g PanoramaGroup) ([]image.Image, error) {
	images := make([]image.Image, 0, len(g.Members))
	for _, m := range g.Members {
		img, err := readImage(ImagePath(dir, m.SequenceID))
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return f.Close()
}

// stampDate draws the capture date on a dark box in the bottom-left corner.
func stampDate(img image.Image, date string) image.Image {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(b)
		draw.Draw(rgba, b, img, b.Min, draw.Src)
	}

	face := basicfont.Face7x13
	width := font.MeasureString(face, date).Ceil()
	box := image.Rect(b.Min.X, b.Max.Y-19, b.Min.X+width+12, b.Max.Y).Intersect(b)
	draw.Draw(rgba, box, image.NewUniform(color.RGBA{A: 180}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  rgba,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255}),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(b.Min.X + 6), Y: fixed.I(b.Max.Y - 5)},
	}
	d.DrawString(date)
	return rgba
}
