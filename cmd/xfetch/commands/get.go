package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/GriffinCanCode/xfetch/internal/engine"
	"github.com/GriffinCanCode/xfetch/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/xfetch/internal/loader"
	"github.com/GriffinCanCode/xfetch/internal/params"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type getOptions struct {
	out         string
	method      string
	headers     []string
	data        string
	resume      bool
	rename      bool
	noFollow    bool
	trustCache  bool
	fastCancel  bool
	retries     int
	timeout     time.Duration
	dumpMetrics bool
}

func newGetCmd(g *globalOptions) *cobra.Command {
	o := &getOptions{}

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Fetch a url",
		Long: `Fetch a url and write the body to stdout, or stream it to a file.

Cached responses are revalidated with If-None-Match/If-Modified-Since
unless --trust-cache accepts them without a network round trip.

Examples:
  # Print a page
  xfetch get https://example.com/

  # Resumable download keeping the server's file name
  xfetch get --out ./downloads/file --resume --rename https://example.com/file

  # POST a JSON body
  xfetch get -X POST -H 'Content-Type: application/json' -d '{"a":1}' https://example.com/api`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, g, o, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.out, "out", "o", "", "write the body to this file instead of stdout")
	f.StringVarP(&o.method, "method", "X", "GET", "request method")
	f.StringArrayVarP(&o.headers, "header", "H", nil, `request header "Name: value" (repeatable)`)
	f.StringVarP(&o.data, "data", "d", "", "request body")
	f.BoolVar(&o.resume, "resume", false, "resume a partial download of --out")
	f.BoolVar(&o.rename, "rename", false, "rename --out after the server's file name")
	f.BoolVar(&o.noFollow, "no-follow", false, "surface 301/302 instead of following them")
	f.BoolVar(&o.trustCache, "trust-cache", false, "use a cached response without revalidating it")
	f.BoolVar(&o.fastCancel, "fast-cancel", false, "interrupt blocked reads on Ctrl+C")
	f.IntVar(&o.retries, "retries", -1, "retry budget (default: $XFETCH_MAX_RETRIES)")
	f.DurationVar(&o.timeout, "timeout", 0, "overall deadline, zero for none")
	f.BoolVar(&o.dumpMetrics, "dump-metrics", false, "print engine metrics to stderr when done")
	return cmd
}

func (o *getOptions) params(uri string) (*params.Params, error) {
	p := params.New(uri)
	p.Method = params.ParseMethod(o.method)
	p.MaxRetries = o.retries
	p.AutoResume = o.resume
	p.AutoRename = o.rename
	p.CancelFast = o.fastCancel
	p.SaveFilePath = o.out
	if !o.noFollow {
		p.RedirectHandler = params.FollowRedirect
	}

	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		p.AddHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if o.data != "" {
		if !p.Method.PermitsBody() {
			return nil, fmt.Errorf("method %s does not carry a body", p.Method)
		}
		p.SetBodyContent(o.data)
	}
	return p, nil
}

func runGet(cmd *cobra.Command, g *globalOptions, o *getOptions, uri string) error {
	env, err := loadEnv(g)
	if err != nil {
		return err
	}
	defer env.logger.Sync()

	p, err := o.params(uri)
	if err != nil {
		return err
	}

	tracker := tracing.NewTracker(env.logger.Named("trace"))
	defer tracker.Close()

	e, err := engine.New(engine.Options{Config: env.cfg, Logger: env.logger, Tracker: tracker})
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	if o.out != "" {
		err = fetchFile(ctx, e, p, cmd.OutOrStdout(), cmd.ErrOrStderr())
	} else {
		err = fetchBody(ctx, e, p, o.trustCache, cmd.OutOrStdout())
	}
	if err != nil {
		env.logger.Debug("get failed", zap.String("uri", uri), zap.Error(err))
	}

	if o.dumpMetrics {
		if merr := e.Metrics().WriteText(cmd.ErrOrStderr()); merr != nil && err == nil {
			err = merr
		}
	}
	return err
}

func fetchBody(ctx context.Context, e *engine.Engine, p *params.Params, trust bool, out io.Writer) error {
	var cached []byte
	body, err := engine.Do(ctx, e, p, engine.Callbacks[[]byte]{
		OnCache: func(candidate []byte) bool {
			cached = candidate
			return trust
		},
	})
	if err != nil {
		return err
	}
	// A 304 leaves the cached copy in force.
	if body == nil {
		body = cached
	}
	_, err = out.Write(body)
	return err
}

func fetchFile(ctx context.Context, e *engine.Engine, p *params.Params, out, progress io.Writer) error {
	bar := &progressLine{w: progress}
	f, err := engine.Do(ctx, e, p, engine.Callbacks[*loader.File]{
		OnLoading: bar.update,
	})
	bar.done()
	if err != nil {
		return err
	}
	if f == nil || f.Path == "" {
		return fmt.Errorf("download produced no file")
	}

	fmt.Fprintf(out, "%s\t%s", f.Path, humanize.IBytes(uint64(f.Size)))
	if f.MIME != "" {
		fmt.Fprintf(out, "\t%s", f.MIME)
	}
	if f.Resumed {
		fmt.Fprint(out, "\tresumed")
	}
	fmt.Fprintln(out)
	return nil
}

// progressLine redraws a single status line.
type progressLine struct {
	w       io.Writer
	printed bool
}

func (b *progressLine) update(total, current int64, isLive bool) {
	if !isLive {
		return
	}
	b.printed = true
	if total > 0 {
		fmt.Fprintf(b.w, "\r%s / %s (%d%%)", humanize.IBytes(uint64(current)), humanize.IBytes(uint64(total)), current*100/total)
		return
	}
	fmt.Fprintf(b.w, "\r%s", humanize.IBytes(uint64(current)))
}

func (b *progressLine) done() {
	if b.printed {
		fmt.Fprintln(b.w)
	}
}
