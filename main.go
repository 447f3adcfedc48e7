package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

// AppOptions holds the parsed command line. Set records the flags that were
// given explicitly; only those override the configuration file.
type AppOptions struct {
	ConfigFile       string
	RGBDir           string
	DepthDir         string
	ModelURL         string
	Mode             string
	Fast             bool
	VoxelSize        float64
	Surface          string
	OutputDir        string
	Name             string
	Plot             bool
	SaveIntermediate bool
	Seed             int64
	Workers          int
	FailurePolicy    string
	Register         string
	Inspect          string
	HTTPMode         bool
	HTTPPort         int
	MQTTMode         bool

	Set map[string]bool
}

// IsSet reports whether the named flag was given on the command line.
func (o AppOptions) IsSet(name string) bool {
	return o.Set[name]
}

// Runner is what the command line drives. *App implements it.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunPipeline(ctx context.Context) error
	RunRegister(ctx context.Context, src, dst string) error
	RunInspect(path string) error
}

func main() {
	app := NewApp(os.Stdout)
	if err := run(os.Args[1:], os.Stdout, app); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "depthmesh: %v\n", err)
		os.Exit(1)
	}
}

// run parses args, hands the options to app and dispatches to the selected
// mode. Interrupts cancel the context passed to the long-running modes.
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("depthmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to YAML configuration file (defaults apply when empty)")
	fs.StringVar(&opts.RGBDir, "rgb", "", "Directory of colour frames, processed in file name order")
	fs.StringVar(&opts.DepthDir, "depth", "", "Directory of 16-bit depth PNGs matching the colour frames")
	fs.StringVar(&opts.ModelURL, "model-url", "", "Depth prediction endpoint used when --depth is not given")
	fs.StringVar(&opts.Mode, "mode", "", "Registration mode: fpfh, rigid3d, 3dhomo or affine3d")
	fs.BoolVar(&opts.Fast, "fast", false, "Use fast global registration instead of RANSAC (fpfh mode)")
	fs.Float64Var(&opts.VoxelSize, "voxel-size", 0, "Voxel size for downsampling; thresholds scale with it")
	fs.StringVar(&opts.Surface, "surface", "", "Surface reconstruction: grid, poisson or ball_point")
	fs.StringVar(&opts.OutputDir, "output-dir", "", "Directory for the run's outputs")
	fs.StringVar(&opts.Name, "name", "", "Base name of the output files")
	fs.BoolVar(&opts.Plot, "plot", false, "Write residual plots, top-down view and depth previews")
	fs.BoolVar(&opts.SaveIntermediate, "save-intermediate", false, "Keep depth maps, clouds and transforms in <name>.db")
	fs.Int64Var(&opts.Seed, "seed", 0, "Seed for the randomised estimators")
	fs.IntVar(&opts.Workers, "workers", 0, "Pairs registered in parallel (0 = one per CPU)")
	fs.StringVar(&opts.FailurePolicy, "failure-policy", "", "What to do with a failed pair: skip or bridge")
	fs.StringVar(&opts.Register, "register", "", "Register two cloud files given as SRC,DST and print the result")
	fs.StringVar(&opts.Inspect, "inspect", "", "Print a run summary or pose chain JSON as a table")
	fs.BoolVar(&opts.HTTPMode, "http", false, "Serve run status over HTTP while the pipeline runs")
	fs.IntVar(&opts.HTTPPort, "http-port", 0, "HTTP server port (default from config, 8080)")
	fs.BoolVar(&opts.MQTTMode, "mqtt", false, "Publish progress over MQTT and accept abort requests")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return errors.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	opts.Set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.Set[f.Name] = true })

	fmt.Fprintf(out, "depthmesh version: %s\n", Version)
	app.ApplyOptions(opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case opts.Inspect != "":
		return app.RunInspect(opts.Inspect)
	case opts.Register != "":
		src, dst, ok := strings.Cut(opts.Register, ",")
		src, dst = strings.TrimSpace(src), strings.TrimSpace(dst)
		if !ok || src == "" || dst == "" {
			return errors.Errorf("--register wants SRC,DST, got %q", opts.Register)
		}
		return app.RunRegister(ctx, src, dst)
	default:
		return app.RunPipeline(ctx)
	}
}
