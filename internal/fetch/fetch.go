// Package fetch downloads catalog sources into a local cache.
//
// Every Fetch is a single attempt. A successful body is written to
// <dir>/<key><ext> through a temp file and rename, so readers never see a
// partial file and a failed fetch leaves the previous copy in place.
package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jonboulle/clockwork"

	"okavango/internal/catalog"
	"okavango/internal/metrics"
)

const (
	DefaultTimeout   = 60 * time.Second
	DefaultUserAgent = "Mozilla/5.0 (compatible; okavango/1.0)"

	// sniffLimit bounds how much of a rejected body is read for diagnostics.
	sniffLimit = 64 << 10
)

// ErrOffline is wrapped when an offline fetcher has no cached copy.
var ErrOffline = errors.New("offline and not cached")

// Handle describes a cached file.
type Handle struct {
	Key         string
	Path        string
	Size        int64
	SHA256      string
	ContentType string
	FetchedAt   time.Time
	FromCache   bool
}

// Open opens the cached file.
func (h Handle) Open() (*os.File, error) { return os.Open(h.Path) }

// Options configures a Fetcher. Zero values select defaults.
type Options struct {
	CacheDir string
	Timeout  time.Duration
	// MaxAge lets Fetch return a cached copy younger than this. 0 always fetches.
	MaxAge time.Duration
	// ForceRefresh ignores MaxAge.
	ForceRefresh bool
	// Offline serves only from the cache.
	Offline   bool
	UserAgent string
	Client    *http.Client
	Clock     clockwork.Clock
	// Job labels HTTP metrics.
	Job    string
	Logger *slog.Logger
}

// Fetcher retrieves sources. It is safe for concurrent use as long as two
// calls never share a key.
type Fetcher struct {
	dir     string
	timeout time.Duration
	maxAge  time.Duration
	force   bool
	offline bool
	ua      string
	client  *http.Client
	clock   clockwork.Clock
	job     string
	log     *slog.Logger
}

// New creates the cache directory and returns a Fetcher.
func New(opts Options) (*Fetcher, error) {
	if opts.CacheDir == "" {
		return nil, errors.New("fetch: cache dir is required")
	}
	if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("fetch: create cache dir: %w", err)
	}
	f := &Fetcher{
		dir:     opts.CacheDir,
		timeout: opts.Timeout,
		maxAge:  opts.MaxAge,
		force:   opts.ForceRefresh,
		offline: opts.Offline,
		ua:      opts.UserAgent,
		client:  opts.Client,
		clock:   opts.Clock,
		job:     opts.Job,
		log:     opts.Logger,
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.ua == "" {
		f.ua = DefaultUserAgent
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: f.timeout}
	}
	if f.clock == nil {
		f.clock = clockwork.NewRealClock()
	}
	if f.job == "" {
		f.job = "okavango"
	}
	if f.log == nil {
		f.log = slog.Default()
	}
	return f, nil
}

// Path returns the cache path for src.
func (f *Fetcher) Path(src catalog.Source) string {
	return filepath.Join(f.dir, src.Key+src.Ext())
}

// Cached returns a handle for the existing cache file of src without any
// network access.
func (f *Fetcher) Cached(src catalog.Source) (Handle, error) {
	p := f.Path(src)
	file, err := os.Open(p)
	if err != nil {
		return Handle{}, err
	}
	defer file.Close()
	st, err := file.Stat()
	if err != nil {
		return Handle{}, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return Handle{}, err
	}
	return Handle{
		Key:         src.Key,
		Path:        p,
		Size:        st.Size(),
		SHA256:      hex.EncodeToString(h.Sum(nil)),
		ContentType: typeByExt(src.Ext()),
		FetchedAt:   st.ModTime(),
		FromCache:   true,
	}, nil
}

// Fetch retrieves src into the cache. Errors are *RetrievalError or
// *FormatError.
func (f *Fetcher) Fetch(ctx context.Context, src catalog.Source) (Handle, error) {
	if f.offline {
		h, err := f.Cached(src)
		if err != nil {
			return Handle{}, &RetrievalError{Key: src.Key, URL: src.URL, Err: fmt.Errorf("%w: %v", ErrOffline, err)}
		}
		return h, nil
	}
	if f.maxAge > 0 && !f.force {
		if h, err := f.Cached(src); err == nil && f.clock.Since(h.FetchedAt) < f.maxAge {
			f.log.Debug("fetch: cache hit", "key", src.Key, "age", f.clock.Since(h.FetchedAt).Round(time.Second))
			return h, nil
		}
	}

	u, err := url.Parse(src.URL)
	if err != nil {
		return Handle{}, &RetrievalError{Key: src.Key, URL: src.URL, Err: err}
	}
	if u.Scheme == "file" {
		return f.fetchFile(src, u)
	}
	return f.fetchHTTP(ctx, src)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, src catalog.Source) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := f.clock.Now()
	reqDur, respDur := time.Duration(-1), time.Duration(-1)
	var (
		status int
		n      int64 = -1
		rerr   error
	)
	defer func() {
		metrics.RecordHTTP(f.job, status, rerr, reqDur, respDur, n)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		rerr = err
		return Handle{}, &RetrievalError{Key: src.Key, URL: src.URL, Err: err}
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", strings.Join(src.AcceptedTypes(), ", "))

	resp, err := f.client.Do(req)
	if err != nil {
		rerr = err
		return Handle{}, &RetrievalError{Key: src.Key, URL: src.URL, Err: err}
	}
	defer resp.Body.Close()
	reqDur = f.clock.Since(start)
	status = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		n, _ = io.Copy(io.Discard, resp.Body)
		respDur = f.clock.Since(start)
		return Handle{}, &RetrievalError{Key: src.Key, URL: src.URL, StatusCode: resp.StatusCode}
	}

	ct := resp.Header.Get("Content-Type")
	if ferr := checkType(src, ct); ferr != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, sniffLimit))
		n = int64(len(body))
		respDur = f.clock.Since(start)
		ferr.Title = htmlTitle(ct, body)
		rerr = ferr
		return Handle{}, ferr
	}

	h, err := f.store(src, ct, resp.Body)
	n = h.Size
	respDur = f.clock.Since(start)
	if err != nil {
		rerr = err
		return Handle{}, &RetrievalError{Key: src.Key, URL: src.URL, StatusCode: status, Err: err}
	}
	f.log.Info("fetch: stored", "key", src.Key, "bytes", h.Size, "status", status, "took", respDur.Round(time.Millisecond))
	return h, nil
}

func (f *Fetcher) fetchFile(src catalog.Source, u *url.URL) (Handle, error) {
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	in, err := os.Open(p)
	if err != nil {
		return Handle{}, &RetrievalError{Key: src.Key, URL: src.URL, Err: err}
	}
	defer in.Close()

	ct := typeByExt(filepath.Ext(p))
	if ferr := checkType(src, ct); ferr != nil {
		return Handle{}, ferr
	}
	h, err := f.store(src, ct, in)
	if err != nil {
		return Handle{}, &RetrievalError{Key: src.Key, URL: src.URL, Err: err}
	}
	f.log.Debug("fetch: copied local file", "key", src.Key, "path", p, "bytes", h.Size)
	return h, nil
}

// store writes r to the cache path of src atomically and stamps the file with
// the fetch time.
func (f *Fetcher) store(src catalog.Source, ct string, r io.Reader) (Handle, error) {
	out := f.Path(src)
	sum := sha256.New()
	n, err := writeBodyToFile(out, io.TeeReader(r, sum))
	if err != nil {
		return Handle{Size: n}, err
	}
	now := f.clock.Now()
	if err := os.Chtimes(out, now, now); err != nil {
		return Handle{Size: n}, err
	}
	return Handle{
		Key:         src.Key,
		Path:        out,
		Size:        n,
		SHA256:      hex.EncodeToString(sum.Sum(nil)),
		ContentType: ct,
		FetchedAt:   now,
	}, nil
}

// writeBodyToFile writes r to outputPath through a temp file in the same
// directory and renames it into place. The temp file is removed on failure.
func writeBodyToFile(outputPath string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".fetch-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()

	if copyErr != nil {
		_ = os.Remove(tmpName)
		return n, copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return n, closeErr
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		_ = os.Remove(tmpName)
		return n, err
	}
	return n, nil
}

// checkType compares the media type without parameters. A missing
// Content-Type header is a mismatch.
func checkType(src catalog.Source, ct string) *FormatError {
	if strings.TrimSpace(ct) == "" {
		return &FormatError{Key: src.Key, Expected: strings.Join(src.AcceptedTypes(), "|"), Err: errNoContentType}
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return &FormatError{Key: src.Key, Expected: strings.Join(src.AcceptedTypes(), "|"), Got: ct, Err: err}
	}
	if slices.Contains(src.AcceptedTypes(), mt) {
		return nil
	}
	return &FormatError{Key: src.Key, Expected: strings.Join(src.AcceptedTypes(), "|"), Got: mt}
}

// htmlTitle returns the <title> of an HTML body, or "".
func htmlTitle(ct string, body []byte) string {
	mt, _, _ := mime.ParseMediaType(ct)
	if mt != "text/html" && mt != "application/xhtml+xml" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
}

func typeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".geojson":
		return "application/geo+json"
	case ".csv":
		return "text/csv"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
