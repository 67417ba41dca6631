package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/params"
)

// localChannel serves a file from a filesystem as if it were a 200 response.
// A missing file reports 404.
type localChannel struct {
	fsys    fs.FS
	name    string
	target  *url.URL
	key     string
	file    fs.File
	info    fs.FileInfo
	headers http.Header
	once    sync.Once
}

// FileFactory opens file:// uris and absolute paths on the local disk.
func FileFactory(p *params.Params) (Channel, error) {
	uri := p.QueryURL()

	var name string
	var target *url.URL
	if filepath.IsAbs(uri) {
		name = uri
		target = &url.URL{Scheme: "file", Path: filepath.ToSlash(uri)}
	} else {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, &url.Error{Op: "parse", URL: uri, Err: err}
		}
		name = filepath.FromSlash(u.Path)
		target = u
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty file path in %q", httperr.ErrInvalidArgument, uri)
	}

	return &localChannel{fsys: osFS{}, name: name, target: target, key: p.CacheKey()}, nil
}

// AssetFactory serves asset://name uris from fsys, typically an embed.FS.
func AssetFactory(fsys fs.FS) Factory {
	return func(p *params.Params) (Channel, error) {
		uri := p.QueryURL()
		u, err := url.Parse(uri)
		if err != nil {
			return nil, &url.Error{Op: "parse", URL: uri, Err: err}
		}

		name := strings.TrimPrefix(path.Join(u.Host, u.Path), "/")
		if !fs.ValidPath(name) || name == "." {
			return nil, fmt.Errorf("%w: invalid asset path %q", httperr.ErrInvalidArgument, name)
		}
		return &localChannel{fsys: fsys, name: name, target: u, key: p.CacheKey()}, nil
	}
}

// SendRequest opens the resource.
func (l *localChannel) SendRequest(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return httperr.NewCancelled("request aborted", err)
	}

	f, err := l.fsys.Open(l.name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			he := httperr.NewHTTPError(http.StatusNotFound, "")
			he.Body = l.name
			return he
		}
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if info.IsDir() {
		f.Close()
		return fmt.Errorf("%w: %s is a directory", httperr.ErrInvalidArgument, l.name)
	}

	l.file = f
	l.info = info
	l.headers = http.Header{}
	l.headers.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	if ct := mime.TypeByExtension(path.Ext(l.name)); ct != "" {
		l.headers.Set("Content-Type", ct)
	}
	if mod := info.ModTime(); !mod.IsZero() {
		l.headers.Set("Last-Modified", mod.UTC().Format(http.TimeFormat))
	}
	return nil
}

func (l *localChannel) Body() (io.Reader, error) {
	if l.file == nil {
		return nil, fmt.Errorf("resource not opened")
	}
	return l.file, nil
}

func (l *localChannel) ResponseCode() int {
	if l.file == nil {
		return 0
	}
	return http.StatusOK
}

func (l *localChannel) CacheKey() string { return l.key }

func (l *localChannel) ContentLength() int64 {
	if l.info == nil {
		return UnknownLength
	}
	return l.info.Size()
}

func (l *localChannel) Expiration() time.Time { return time.Time{} }

func (l *localChannel) LastModified() time.Time {
	if l.info == nil {
		return time.Time{}
	}
	return l.info.ModTime()
}

func (l *localChannel) ETag() string { return "" }

func (l *localChannel) Header(name string) string { return l.Headers().Get(name) }

func (l *localChannel) Headers() http.Header {
	if l.headers == nil {
		return http.Header{}
	}
	return l.headers
}

// Local sources are never copied into the cache.
func (l *localChannel) Cacheable() bool { return false }

func (l *localChannel) URL() *url.URL { return l.target }

func (l *localChannel) Close() error {
	var err error
	l.once.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

// osFS opens absolute host paths, which os.DirFS cannot.
type osFS struct{}

func (osFS) Open(name string) (fs.File, error) { return os.Open(name) }
