package tooling

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"lukechampine.com/blake3"
)

// fetchConcurrency caps how many sources of one formula download at
// once.
const fetchConcurrency = 4

// FetchTimeout bounds one source download. Zero means no timeout.
var FetchTimeout time.Duration

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   FetchTimeout,
	}
}

// fetchSource downloads (or copies) one source into dest. http(s)
// downloads go through the cache; file:// URLs are copied directly.
// When a b3sum is given the file is verified before it is accepted.
func fetchSource(ctx context.Context, url, dest, b3sum string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating source directory: %w", err)
	}

	switch {
	case strings.HasPrefix(url, "file://"):
		if err := copyFile(strings.TrimPrefix(url, "file://"), dest); err != nil {
			return fmt.Errorf("copying %s: %w: %v", url, ErrFetchFailed, err)
		}
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		if err := fetchHTTP(ctx, url, dest); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported source url %s: %w", url, ErrInvalidInput)
	}

	if b3sum != "" {
		if err := verifyB3Sum(dest, b3sum); err != nil {
			return err
		}
	}
	return nil
}

// fetchHTTP downloads url into dest, reusing the download cache. The
// cache key is the BLAKE3 of the URL, so every fetch of the same URL
// hits the same slot; a different URL for the same file gets its own.
func fetchHTTP(ctx context.Context, url, dest string) error {
	sum := blake3.Sum256([]byte(url))
	cached := filepath.Join(DownloadsDir, hex.EncodeToString(sum[:16]))

	if _, err := os.Stat(cached); err != nil {
		if err := downloadFile(ctx, url, cached); err != nil {
			return err
		}
	} else {
		debugf("using cached download for %s\n", url)
	}
	if err := copyFile(cached, dest); err != nil {
		return fmt.Errorf("placing cached %s: %w", url, err)
	}
	return nil
}

func downloadFile(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating download cache: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w: %v", url, ErrFetchFailed, err)
	}
	resp, err := newHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w: %v", url, ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: status %s: %w", url, resp.Status, ErrFetchFailed)
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}

	var src io.Reader = resp.Body
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(filepath.Base(url)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		src = io.TeeReader(resp.Body, bar)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("downloading %s: %w: %v", url, ErrFetchFailed, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalizing download %s: %w", dest, err)
	}
	return nil
}

func verifyB3Sum(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s for verification: %w", path, err)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != strings.ToLower(want) {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s: %w", path, got, want, ErrFetchFailed)
	}
	return nil
}

// sourceJob is one pending acquisition of fetchSources.
type sourceJob struct {
	URL   string
	Dest  string
	B3Sum string
}

// fetchSources downloads all jobs with a small fixed concurrency cap.
// Every job runs to completion; when any failed, one of the failures is
// returned.
func fetchSources(ctx context.Context, jobs []sourceJob) error {
	sem := make(chan struct{}, fetchConcurrency)
	errs := make(chan error, len(jobs))
	var wg sync.WaitGroup

	for _, job := range jobs {
		wg.Add(1)
		job := job
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := fetchSource(ctx, job.URL, job.Dest, job.B3Sum); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
