package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/guseggert/rconvert/config"
	"github.com/guseggert/rconvert/converter"
	"github.com/guseggert/rconvert/converter/markdown"
	"github.com/guseggert/rconvert/converter/zstd"
	"github.com/guseggert/rconvert/dispatch"
	"github.com/guseggert/rconvert/worker"
)

type engine struct {
	factory converter.Factory
	// outName returns the output file name for an input file.
	outName func(in string, s converter.Settings) string
}

var engines = map[string]engine{
	markdown.EntryName: {
		factory: func(s converter.Settings) (converter.Converter, error) { return markdown.New(s) },
		outName: func(in string, s converter.Settings) string {
			return strings.TrimSuffix(in, filepath.Ext(in)) + ".html"
		},
	},
	zstd.EntryName: {
		factory: func(s converter.Settings) (converter.Converter, error) { return zstd.New(s) },
		outName: func(in string, s converter.Settings) string {
			if s.Get("mode", zstd.ModeCompress) == zstd.ModeDecompress {
				return strings.TrimSuffix(in, ".zst")
			}
			return in + ".zst"
		},
	},
}

func main() {
	if worker.Init() {
		return
	}
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "rconvert",
		Usage: "convert documents in isolated worker processes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the config file. By default " + config.FileName + " is searched for from the working directory up.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level, one of [debug,info,warn,error].",
			},
		},
		Commands: []*cli.Command{
			convertCommand(),
			convertersCommand(),
		},
	}
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	path := cctx.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working dir: %w", err)
		}
		path, err = config.Find(wd)
		if err != nil {
			return nil, fmt.Errorf("finding config: %w", err)
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func convertCommand() *cli.Command {
	return &cli.Command{
		Name:      "convert",
		Usage:     "convert files",
		ArgsUsage: "FILES...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "converter",
				Aliases:  []string{"c"},
				Usage:    "The converter to use, see the converters command.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "Output file, for a single input. Defaults to stdout.",
			},
			&cli.StringFlag{
				Name:  "out-dir",
				Usage: "Directory to write outputs to, named after their inputs.",
			},
			&cli.IntFlag{
				Name:  "max-workers",
				Usage: "Maximum concurrent worker processes. 0 converts in-process.",
			},
			&cli.StringSliceFlag{
				Name:  "setting",
				Usage: "A converter setting as key=value. May be repeated.",
			},
			&cli.BoolFlag{
				Name:  "redirect-streams",
				Usage: "Forward worker output to the log.",
			},
			&cli.BoolFlag{
				Name:  "secure",
				Usage: "Require mutual TLS between this process and its workers.",
			},
		},
		Action: runConvert,
	}
}

func runConvert(cctx *cli.Context) error {
	files := cctx.Args().Slice()
	if len(files) == 0 {
		return fmt.Errorf("no input files")
	}
	out, outDir := cctx.String("out"), cctx.String("out-dir")
	if out != "" && outDir != "" {
		return fmt.Errorf("--out and --out-dir are mutually exclusive")
	}
	if outDir == "" && len(files) > 1 {
		return fmt.Errorf("--out-dir is required for more than one input")
	}

	name := cctx.String("converter")
	eng, ok := engines[name]
	if !ok {
		return fmt.Errorf("unknown converter %q", name)
	}

	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	if cctx.IsSet("log-level") {
		cfg.LogLevel = cctx.String("log-level")
	}
	if cctx.IsSet("max-workers") {
		cfg.MaxWorkers = cctx.Int("max-workers")
	}
	if cctx.IsSet("redirect-streams") {
		cfg.RedirectStreams = cctx.Bool("redirect-streams")
	}
	if cctx.IsSet("secure") {
		cfg.SecureChannel = cctx.Bool("secure")
	}
	settings, err := parseSettings(cfg.Settings, cctx.StringSlice("setting"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	l, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer l.Sync()
	log := l.Sugar()

	conv, err := eng.factory(settings)
	if err != nil {
		return fmt.Errorf("building converter %q: %w", name, err)
	}
	opts, err := cfg.DispatchOptions(log)
	if err != nil {
		return err
	}
	d, err := dispatch.New(conv, opts...)
	if err != nil {
		return fmt.Errorf("building dispatcher: %w", err)
	}

	limit := cfg.MaxWorkers
	if limit == 0 {
		limit = runtime.NumCPU()
	}
	eg, ctx := errgroup.WithContext(cctx.Context)
	eg.SetLimit(limit)
	for _, in := range files {
		in := in
		dest := out
		if outDir != "" {
			dest = filepath.Join(outDir, eng.outName(filepath.Base(in), settings))
		}
		eg.Go(func() error {
			return convertFile(ctx, log, d, in, dest)
		})
	}
	return eg.Wait()
}

func convertFile(ctx context.Context, log *zap.SugaredLogger, d *dispatch.Dispatcher, in, dest string) error {
	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	doc, err := converter.ReadDocument(filepath.Base(in), f)
	f.Close()
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if dest != "" {
		outFile, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer outFile.Close()
		w = outFile
	}

	err = d.Convert(ctx, doc, w)
	if err != nil {
		if dispatch.IsRetryable(err) {
			log.Warnw("conversion lost a port race, retrying once", "Input", in)
			err = d.Convert(ctx, doc, w)
		}
		if err != nil {
			return fmt.Errorf("converting %s: %w", in, err)
		}
	}
	log.Debugw("converted", "Input", in, "Output", dest)
	return nil
}

func parseSettings(base converter.Settings, pairs []string) (converter.Settings, error) {
	s := base.Clone()
	if s == nil {
		s = converter.Settings{}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("setting %q is not key=value", p)
		}
		s[k] = v
	}
	return s, nil
}

func convertersCommand() *cli.Command {
	return &cli.Command{
		Name:  "converters",
		Usage: "list the available converters",
		Action: func(cctx *cli.Context) error {
			var names []string
			for name := range engines {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				mode := "in-process only"
				if worker.Registered(name) {
					mode = "standalone"
				}
				fmt.Fprintf(cctx.App.Writer, "%s\t%s\n", name, mode)
			}
			return nil
		},
	}
}
