// Package download fetches the remote ip2asn feed with conditional requests and
// a sidecar metadata file, so an unchanged feed is never rewritten.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/zeebo/xxh3"
)

const MetadataSuffix = ".status.json"

// Status indicates whether the remote content changed.
type Status string

const (
	StatusUpdated     Status = "updated"
	StatusNotModified Status = "not_modified"
	StatusSameContent Status = "same_content"
)

// Metadata is the sidecar record of the last fetch and of whether the
// fetched feed was accepted by the dataset build.
type Metadata struct {
	URL          string    `json:"url,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at,omitempty"`
	CheckedAt    time.Time `json:"checked_at,omitempty"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
	Checksum     string    `json:"xxh3,omitempty"`
	UpToDate     bool      `json:"up_to_date,omitempty"`
	ProcessedAt  time.Time `json:"processed_at,omitempty"`
	ProcessedOK  bool      `json:"processed_ok,omitempty"`
}

// Request configures a single download.
type Request struct {
	URL          string
	Destination  string
	Timeout      time.Duration
	Force        bool
	MetadataPath string
	UserAgent    string
	// MaxBytes bounds the response body; zero means unlimited.
	MaxBytes int64
	Client   *http.Client
}

// Result summarizes the download outcome.
type Result struct {
	Status Status
	Meta   Metadata
	Bytes  int64
}

// StatusError reports a non-2xx, non-304 response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download: unexpected status %s", e.Status)
}

// MetadataPath returns the default metadata sidecar path for a destination.
func MetadataPath(dest string) string {
	if strings.TrimSpace(dest) == "" {
		return ""
	}
	return dest + MetadataSuffix
}

// fetch carries one Download call through its steps.
type fetch struct {
	req        Request
	url        string
	dest       string
	metaPath   string
	prev       *Metadata
	destExists bool
}

// Purpose: Fetch req.URL into req.Destination.
// Key aspects: The body is spooled to a temp file beside the destination and
// renamed over it only when complete and different from the previous copy.
// A failed fetch never touches the existing destination.
// Upstream: dataset.Manager refresh.
// Downstream: fetch.do, fetch.spool, WriteMetadata.
func Download(ctx context.Context, req Request) (Result, error) {
	f, err := newFetch(req)
	if err != nil {
		return Result{}, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resp, err := f.do(ctx)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	now := time.Now().UTC()
	switch {
	case resp.StatusCode == http.StatusNotModified:
		return f.unchanged(StatusNotModified, resp, now, ""), nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return Result{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	tmpName, written, sum, err := f.spool(resp.Body)
	if tmpName != "" {
		defer os.Remove(tmpName)
	}
	if err != nil {
		return Result{}, err
	}

	if !req.Force && f.destExists && f.prev != nil && f.prev.Checksum != "" && f.prev.Checksum == sum {
		res := f.unchanged(StatusSameContent, resp, now, sum)
		res.Bytes = written
		return res, nil
	}
	if err := os.Rename(tmpName, f.dest); err != nil {
		return Result{}, fmt.Errorf("download: replace file: %w", err)
	}

	meta := withResponse(f.prev, f.url, resp, sum)
	meta.DownloadedAt = now
	meta.CheckedAt = now
	meta.SizeBytes = written
	meta.UpToDate = true
	meta.ProcessedOK = false
	meta.ProcessedAt = time.Time{}
	f.save(meta)
	return Result{Status: StatusUpdated, Meta: meta, Bytes: written}, nil
}

func newFetch(req Request) (*fetch, error) {
	f := &fetch{
		req:      req,
		url:      strings.TrimSpace(req.URL),
		dest:     strings.TrimSpace(req.Destination),
		metaPath: strings.TrimSpace(req.MetadataPath),
	}
	if f.url == "" {
		return nil, errors.New("download: URL is empty")
	}
	if f.dest == "" {
		return nil, errors.New("download: destination is empty")
	}
	if f.metaPath == "" {
		f.metaPath = MetadataPath(f.dest)
	}

	info, err := os.Stat(f.dest)
	switch {
	case err == nil:
		f.destExists = true
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("download: stat destination: %w", err)
	}
	f.prev = ReadMetadata(f.metaPath)
	if f.prev == nil && f.destExists {
		// No sidecar yet: the file's mtime still allows a conditional request.
		f.prev = &Metadata{
			LastModified: info.ModTime().UTC().Format(http.TimeFormat),
			SizeBytes:    info.Size(),
		}
	}
	return f, nil
}

// do sends the request, conditional unless forced or nothing is on disk.
func (f *fetch) do(ctx context.Context) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("download: build request: %w", err)
	}
	if !f.req.Force && f.destExists && f.prev != nil {
		if f.prev.ETag != "" {
			httpReq.Header.Set("If-None-Match", f.prev.ETag)
		}
		if f.prev.LastModified != "" {
			httpReq.Header.Set("If-Modified-Since", f.prev.LastModified)
		}
	}
	if f.req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", f.req.UserAgent)
	}
	client := f.req.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("download: fetch failed: %w", err)
	}
	return resp, nil
}

// spool streams body into a synced temp file and hashes it on the way. The
// temp path is returned even on error so the caller can remove it.
func (f *fetch) spool(body io.Reader) (string, int64, string, error) {
	if err := ensureParentDir(f.dest); err != nil {
		return "", 0, "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.dest), "download-*.tmp")
	if err != nil {
		return "", 0, "", fmt.Errorf("download: create temp file: %w", err)
	}
	name := tmp.Name()

	if f.req.MaxBytes > 0 {
		body = io.LimitReader(body, f.req.MaxBytes+1)
	}
	h := xxh3.New()
	n, copyErr := io.Copy(io.MultiWriter(tmp, h), body)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		return name, n, "", fmt.Errorf("download: copy body: %w", copyErr)
	case f.req.MaxBytes > 0 && n > f.req.MaxBytes:
		return name, n, "", fmt.Errorf("download: body exceeds %d bytes", f.req.MaxBytes)
	case syncErr != nil:
		return name, n, "", fmt.Errorf("download: sync temp file: %w", syncErr)
	case closeErr != nil:
		return name, n, "", fmt.Errorf("download: finalize temp file: %w", closeErr)
	case n == 0:
		return name, 0, "", errors.New("download: empty response body")
	}
	return name, n, strconv.FormatUint(h.Sum64(), 16), nil
}

// unchanged records a check that found nothing new.
func (f *fetch) unchanged(status Status, resp *http.Response, now time.Time, sum string) Result {
	meta := withResponse(f.prev, f.url, resp, sum)
	meta.CheckedAt = now
	meta.UpToDate = true
	f.save(meta)
	return Result{Status: status, Meta: meta}
}

func (f *fetch) save(meta Metadata) {
	if err := WriteMetadata(f.metaPath, meta); err != nil {
		log.Warn("unable to write download metadata", "path", f.metaPath, "error", err)
	}
}

// withResponse copies prev and overlays the validators the server sent.
func withResponse(prev *Metadata, url string, resp *http.Response, sum string) Metadata {
	var meta Metadata
	if prev != nil {
		meta = *prev
	}
	meta.URL = url
	if etag := strings.TrimSpace(resp.Header.Get("ETag")); etag != "" {
		meta.ETag = etag
	}
	if last := strings.TrimSpace(resp.Header.Get("Last-Modified")); last != "" {
		meta.LastModified = last
	}
	if sum != "" {
		meta.Checksum = sum
	}
	return meta
}

// ReadMetadata reads a metadata sidecar. Missing or unparsable files yield nil.
func ReadMetadata(path string) *Metadata {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var meta Metadata
	if json.Unmarshal(data, &meta) != nil {
		return nil
	}
	return &meta
}

// WriteMetadata persists meta as indented JSON via temp file and rename.
func WriteMetadata(path string, meta Metadata) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("download: metadata path is empty")
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := ensureParentDir(path); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// UpdateProcessedStatus records whether the downloaded feed was parsed and
// installed. Download fields are left intact; a missing sidecar is a no-op.
func UpdateProcessedStatus(metaPath string, ok bool) error {
	meta := ReadMetadata(metaPath)
	if meta == nil {
		return nil
	}
	meta.ProcessedAt = time.Now().UTC()
	meta.ProcessedOK = ok
	meta.UpToDate = ok
	return WriteMetadata(metaPath, *meta)
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("download: create directory: %w", err)
	}
	return nil
}
