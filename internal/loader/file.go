package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/GriffinCanCode/xfetch/internal/cache"
	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/params"
	"github.com/GriffinCanCode/xfetch/internal/transport"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// ResumeWindow is how many trailing bytes of a partial download are fetched
// again and compared before appending.
const ResumeWindow = 512

// File is the result of a download.
type File struct {
	Path    string
	Name    string
	Size    int64
	MIME    string
	Resumed bool
}

// FileLoader streams the body to disk. Without Params.SaveFilePath the file
// lives in the cache directory under a name derived from the cache key.
type FileLoader struct {
	file       *cache.ManagedFile
	keep       bool
	managed    bool
	resumeFrom int64
	window     []byte
	result     *File
}

// NewFileLoader is the Factory for *File.
func NewFileLoader() Loader { return &FileLoader{} }

func (l *FileLoader) IsDownload() bool { return true }

// BeforeSend locks and opens the destination, then asks for the missing range
// when a partial file is present.
func (l *FileLoader) BeforeSend(req *Request) error {
	if l.file != nil {
		l.file.Abort(l.keep)
		l.file = nil
	}
	l.result = nil
	l.window = nil
	l.resumeFrom = 0

	p := req.Params
	p.Headers().Del(params.HeaderRange)
	l.keep = p.AutoResume

	var (
		f   *cache.ManagedFile
		err error
	)
	switch {
	case p.SaveFilePath != "":
		locks := req.Locks
		if locks == nil && req.Store != nil {
			locks = req.Store.Locks()
		}
		if locks == nil {
			locks = cache.NewLocks()
		}
		l.managed = false
		f, err = cache.OpenManaged(locks, p.SaveFilePath, p.AutoResume)
	case req.Store != nil:
		l.managed = true
		f, err = req.Store.CreateFile(p.CacheKey(), p.AutoResume)
	default:
		return fmt.Errorf("file download needs a save path or a cache store: %w", httperr.ErrInvalidArgument)
	}
	if err != nil {
		return err
	}
	l.file = f

	if !p.AutoResume {
		return nil
	}
	offset, err := f.Offset()
	if err != nil || offset == 0 {
		return nil
	}

	start := max(0, offset-ResumeWindow)
	window, err := f.Tail(offset - start)
	if err != nil {
		f.Reset()
		return nil
	}
	l.window = window
	l.resumeFrom = start
	p.SetHeader(params.HeaderRange, "bytes="+strconv.FormatInt(start, 10)+"-")
	return nil
}

func (l *FileLoader) Load(ctx context.Context, req *Request) (any, error) {
	if l.file == nil {
		return nil, fmt.Errorf("download target not opened: %w", httperr.ErrInvalidArgument)
	}

	body, err := req.Channel.Body()
	if err != nil {
		return nil, err
	}

	resumed := req.Channel.ResponseCode() == http.StatusPartialContent && len(l.window) > 0
	var current, total int64
	if resumed {
		if err := l.checkWindow(req.Channel, body); err != nil {
			req.log().Info("partial download no longer matches, restarting",
				zap.String("path", l.file.FinalPath()))
			l.file.Abort(false)
			l.file = nil
			return nil, err
		}
		current = l.resumeFrom + int64(len(l.window))
		total = transport.UnknownLength
		if cr, ok := transport.ParseContentRange(req.Channel.Header("Content-Range")); ok && cr.Total > 0 {
			total = cr.Total
		} else if n := req.Channel.ContentLength(); n >= 0 {
			total = l.resumeFrom + n
		}
	} else {
		if err := l.file.Reset(); err != nil {
			return nil, err
		}
		total = req.Channel.ContentLength()
	}

	req.progress(total, current)
	r := &countingReader{r: body, total: total, current: current, report: req.progress}
	if _, err := io.Copy(l.file, ctxReader{ctx: ctx, r: r}); err != nil {
		return nil, err
	}

	f := l.file
	l.file = nil
	size, err := f.Commit()
	if errors.Is(err, cache.ErrEmptyFile) {
		return l.emptyResult(f.FinalPath())
	}
	if err != nil {
		return nil, err
	}
	req.progress(size, size)

	path := f.FinalPath()
	if !l.managed && req.Params.AutoRename {
		path = autoRename(req, path)
	}

	l.result = &File{
		Path:    path,
		Name:    filepath.Base(path),
		Size:    size,
		MIME:    detectMIME(path),
		Resumed: resumed,
	}
	return l.result, nil
}

// checkWindow reads the re-fetched window and compares it with the tail of the
// partial file.
func (l *FileLoader) checkWindow(ch transport.Channel, body io.Reader) error {
	if cr, ok := transport.ParseContentRange(ch.Header("Content-Range")); ok && cr.First != l.resumeFrom {
		return httperr.ErrResumeMismatch
	}
	got := make([]byte, len(l.window))
	if _, err := io.ReadFull(body, got); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return httperr.ErrResumeMismatch
		}
		return err
	}
	if !bytes.Equal(got, l.window) {
		return httperr.ErrResumeMismatch
	}
	return nil
}

// emptyResult handles a zero-byte body. A managed cache file is never
// promoted; a caller-chosen path gets an empty file.
func (l *FileLoader) emptyResult(path string) (any, error) {
	if l.managed {
		return &File{}, nil
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, err
	}
	l.result = &File{Path: path, Name: filepath.Base(path)}
	return l.result, nil
}

// AttemptFailed releases the destination. A 416 answer discards the partial
// file; other failures keep it when resuming is enabled.
func (l *FileLoader) AttemptFailed(err error) {
	if l.file == nil {
		return
	}
	keep := l.keep
	if herr, ok := httperr.AsHTTP(err); ok && herr.IsRangeNotSatisfiable() {
		keep = false
	}
	l.file.Abort(keep)
	l.file = nil
}

func (l *FileLoader) LoadFromCache(entry *cache.Entry) (any, error) {
	path := entry.Path
	if path == "" {
		path = string(entry.Content)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, cache.ErrNotFound
	}
	return &File{
		Path: path,
		Name: filepath.Base(path),
		Size: info.Size(),
		MIME: detectMIME(path),
	}, nil
}

// SaveToCache indexes a managed file by path. A caller-chosen path is kept
// as content so that eviction never deletes it.
func (l *FileLoader) SaveToCache(transport.Channel) *cache.Entry {
	if l.result == nil || l.result.Path == "" {
		return nil
	}
	if l.managed {
		return &cache.Entry{Path: l.result.Path, Size: l.result.Size}
	}
	return &cache.Entry{Content: []byte(l.result.Path)}
}

func autoRename(req *Request, path string) string {
	name := dispositionName(req.Channel.Header("Content-Disposition"))
	if name == "" {
		if filepath.Ext(path) != "" {
			return path
		}
		mt, err := mimetype.DetectFile(path)
		if err != nil || mt.Extension() == "" {
			return path
		}
		name = filepath.Base(path) + mt.Extension()
	}

	target := filepath.Join(filepath.Dir(path), name)
	if target == path {
		return path
	}
	if err := os.Rename(path, target); err != nil {
		req.log().Warn("auto rename failed", zap.String("from", path), zap.String("to", target), zap.Error(err))
		return path
	}
	return target
}

func dispositionName(v string) string {
	if v == "" {
		return ""
	}
	_, ps, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	if ps["filename"] == "" {
		return ""
	}
	name := filepath.Base(ps["filename"])
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

func detectMIME(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	return mt.String()
}
