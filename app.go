package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/kwv/depthmesh/mesh"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App encapsulates the application state and dependencies
type App struct {
	Options    AppOptions
	Config     *mesh.Config
	Log        *zap.SugaredLogger
	Tracker    *mesh.RunTracker
	MQTTClient *mesh.MQTTClient

	out          io.Writer
	newRegistrar func(mesh.RegistrarConfig) (mesh.Registrar, error)
}

// NewApp creates a new App writing its reports to out.
func NewApp(out io.Writer) *App {
	if out == nil {
		out = io.Discard
	}
	return &App{
		Tracker:      mesh.NewRunTracker(),
		out:          out,
		newRegistrar: mesh.NewRegistrar,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.Options = opts
}

// loadConfig reads the configuration file, if any, and lays the explicitly
// given flags over it. Mode and voxel size go in first so the defaults
// follow them.
func (a *App) loadConfig() (*mesh.Config, error) {
	o := a.Options

	var mode mesh.Mode
	if o.IsSet("mode") {
		mode = mesh.Mode(o.Mode)
	}
	var voxel float64
	if o.IsSet("voxel-size") {
		if o.VoxelSize <= 0 {
			return nil, errors.Errorf("--voxel-size must be > 0, got %v", o.VoxelSize)
		}
		voxel = o.VoxelSize
	}

	var data []byte
	if o.ConfigFile != "" {
		b, err := os.ReadFile(o.ConfigFile)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Errorf("config file not found: %s", o.ConfigFile)
			}
			return nil, errors.Wrapf(mesh.ErrIO, "reading config file: %v", err)
		}
		data = b
	}
	cfg, err := mesh.ParseConfig(data, mode, voxel)
	if err != nil {
		return nil, err
	}

	if o.IsSet("rgb") {
		cfg.Depth.RGBDir = o.RGBDir
	}
	if o.IsSet("depth") {
		cfg.Depth.Dir = o.DepthDir
	}
	if o.IsSet("model-url") {
		cfg.Depth.ModelURL = o.ModelURL
	}
	if o.IsSet("fast") {
		cfg.Fast = o.Fast
	}
	if o.IsSet("surface") {
		cfg.Surface.Method = mesh.SurfaceMethod(o.Surface)
	}
	if o.IsSet("output-dir") {
		cfg.Output.Dir = o.OutputDir
	}
	if o.IsSet("name") {
		cfg.Output.Name = o.Name
	}
	if o.IsSet("plot") {
		cfg.Plot = o.Plot
	}
	if o.IsSet("save-intermediate") {
		cfg.SaveIntermediate = o.SaveIntermediate
	}
	if o.IsSet("seed") {
		cfg.Seed = o.Seed
	}
	if o.IsSet("workers") {
		cfg.Workers = o.Workers
	}
	if o.IsSet("failure-policy") {
		cfg.FailurePolicy = mesh.FailurePolicy(o.FailurePolicy)
	}
	if o.IsSet("http") {
		cfg.HTTP.Enabled = o.HTTPMode
	}
	if o.IsSet("http-port") {
		cfg.HTTP.Port = o.HTTPPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// setup loads the configuration and builds the logger.
func (a *App) setup() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.Config = cfg
	if a.Log == nil {
		log, err := mesh.NewLogger(cfg.Logging, nil)
		if err != nil {
			return err
		}
		a.Log = log
	}
	return nil
}

// outputPath joins the output directory, the run name and suffix.
func (a *App) outputPath(suffix string) string {
	return filepath.Join(a.Config.Output.Dir, a.Config.Output.Name+suffix)
}

// RunPipeline loads the frames, registers them and writes the run's
// outputs. Run status goes to the tracker and, when enabled, to MQTT and
// the HTTP status server.
func (a *App) RunPipeline(ctx context.Context) (err error) {
	if err := a.setup(); err != nil {
		return err
	}
	cfg := a.Config
	defer func() { _ = a.Log.Sync() }()

	registrar, err := a.newRegistrar(cfg.RegistrarConfig())
	if err != nil {
		return errors.Wrap(err, "creating registrar")
	}
	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return errors.Wrapf(mesh.ErrIO, "creating output directory: %v", err)
	}

	runID := uuid.NewString()
	frames, err := a.loadFrames(ctx, cfg)
	if err != nil {
		return err
	}
	a.Tracker.Start(runID, registrar.Name(), len(frames))

	observers := mesh.Observers{a.Tracker}

	if cfg.SaveIntermediate {
		store, serr := mesh.OpenIntermediateStore(a.outputPath(".db"))
		if serr != nil {
			return serr
		}
		defer func() { err = multierr.Append(err, store.Close()) }()
		for _, f := range frames {
			if err := store.PutDepth(runID, f.Index, f.Depth, cfg.Depth.Unit); err != nil {
				a.Log.Warnf("intermediate store: %v", err)
			}
		}
		observers = append(observers, store.Recorder(runID, a.Log))
	}

	client, err := a.connectMQTT(ctx, cfg)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Disconnect()
		observers = append(observers, mesh.NewProgressPublisher(client.Client(), client.Prefix(), runID, a.Log))
		var stopAbort func()
		ctx, stopAbort = client.AbortOnRequest(ctx, runID)
		defer stopAbort()
		a.Log.Infof("publishing progress to %s/%s, abort with %s/%s/abort", client.Prefix(), runID, client.Prefix(), runID)
	}

	if cfg.HTTP.Enabled {
		stop, err := a.startHTTP(cfg)
		if err != nil {
			return err
		}
		defer stop()
	}

	p := &mesh.Pipeline{
		Registrar:    registrar,
		ICP:          cfg.Refinement(),
		Policy:       cfg.FailurePolicy,
		MaxBridgeGap: cfg.MaxBridgeGap,
		Workers:      cfg.Workers,
		Seed:         cfg.Seed,
		MergeVoxel:   cfg.MergeVoxel,
		RunID:        runID,
		Logger:       a.Log,
		Observer:     observers,
	}
	res, runErr := p.Run(ctx, frames)
	a.Tracker.Finish(res, runErr)
	if res == nil {
		return runErr
	}

	if err := a.writeReports(res); err != nil {
		return multierr.Append(runErr, err)
	}
	if runErr != nil {
		a.printSummary(res.Summary)
		return runErr
	}
	if err := a.writeClouds(ctx, frames, res); err != nil {
		return err
	}
	if cfg.Plot {
		a.writePlots(frames, res)
	}
	a.printSummary(res.Summary)

	if cfg.HTTP.Enabled {
		fmt.Fprintf(a.out, "\nServing results on port %d, press Ctrl+C to stop\n", cfg.HTTP.Port)
		<-ctx.Done()
	}
	return nil
}

// connectMQTT returns the preset client, or connects one when --mqtt was
// given. Without a broker it returns nil.
func (a *App) connectMQTT(ctx context.Context, cfg *mesh.Config) (*mesh.MQTTClient, error) {
	if a.MQTTClient != nil {
		return a.MQTTClient, nil
	}
	if !a.Options.MQTTMode {
		return nil, nil
	}
	client, err := mesh.NewMQTTClient(ctx, cfg.MQTT, a.Log)
	if err != nil || client == nil {
		return nil, err
	}
	if err := client.WaitConnected(10 * time.Second); err != nil {
		a.Log.Warnf("%v; progress will be published once connected", err)
	}
	a.MQTTClient = client
	return client, nil
}

// startHTTP serves the status endpoints until the returned stop is called.
func (a *App) startHTTP(cfg *mesh.Config) (func(), error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTP.Port))
	if err != nil {
		return nil, errors.Wrap(err, "starting HTTP server")
	}
	srv := &http.Server{
		Handler:           newHTTPServer(a.Tracker, cfg, a.Log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Errorf("HTTP server: %v", err)
		}
	}()
	a.Log.Infof("HTTP status server listening on %s", ln.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.Log.Warnf("HTTP shutdown: %v", err)
		}
	}, nil
}

// depthFunc yields the depth map of frame i.
type depthFunc func(ctx context.Context, i int, img image.Image) (*mesh.DepthMap, error)

// depthSource picks precomputed depth maps over the prediction service.
func (a *App) depthSource(cfg *mesh.Config, frames int) (depthFunc, error) {
	switch {
	case cfg.Depth.Dir != "":
		src, err := mesh.NewFolderDepthSource(cfg.Depth.Dir, cfg.Depth.Unit)
		if err != nil {
			return nil, err
		}
		if len(src.Files) != frames {
			return nil, errors.Errorf("%d depth maps in %s for %d frames", len(src.Files), cfg.Depth.Dir, frames)
		}
		return func(_ context.Context, i int, _ image.Image) (*mesh.DepthMap, error) {
			return src.Depth(i)
		}, nil
	case cfg.Depth.ModelURL != "":
		predictor := mesh.NewHTTPDepthPredictor(cfg.Depth.ModelURL,
			mesh.WithTimeout(cfg.Depth.Timeout),
			mesh.WithMaxRetries(cfg.Depth.MaxRetries),
			mesh.WithDepthUnit(cfg.Depth.Unit))
		return func(ctx context.Context, _ int, img image.Image) (*mesh.DepthMap, error) {
			return predictor.PredictDepth(ctx, img)
		}, nil
	default:
		return nil, errors.New("no depth source: set --depth or --model-url")
	}
}

// loadFrames reads the colour frames, obtains their depth and
// back-projects them. Any failure is fatal and names the frame.
func (a *App) loadFrames(ctx context.Context, cfg *mesh.Config) ([]*mesh.Frame, error) {
	if cfg.Depth.RGBDir == "" {
		return nil, errors.New("no input frames: set --rgb or depth.rgb")
	}
	files, err := mesh.ListImages(cfg.Depth.RGBDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Wrapf(mesh.ErrIO, "no images in %s", cfg.Depth.RGBDir)
	}
	depthFor, err := a.depthSource(cfg, len(files))
	if err != nil {
		return nil, err
	}

	frames := make([]*mesh.Frame, len(files))
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}
	for i, file := range files {
		g.Go(func() error {
			name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
			img, err := mesh.LoadImage(file)
			if err != nil {
				return errors.Wrapf(err, "frame %d (%s)", i, name)
			}
			depth, err := depthFor(gctx, i, img)
			if err != nil {
				return errors.Wrapf(err, "frame %d (%s): depth", i, name)
			}
			cloud, err := mesh.Backproject(depth, img, cfg.Backproject)
			if err != nil {
				return errors.Wrapf(err, "frame %d (%s)", i, name)
			}
			frames[i] = &mesh.Frame{Index: i, Name: name, Image: img, Depth: depth, Cloud: cloud}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	a.Log.Infof("loaded %d frames from %s", len(frames), cfg.Depth.RGBDir)
	return frames, nil
}

// writeReports saves the pose chain, run summary and trajectory GeoJSON.
// They are written for failed runs too.
func (a *App) writeReports(res *mesh.RunResult) error {
	if err := mesh.SavePoseChain(a.outputPath(".poses.json"), res.Chain); err != nil {
		return err
	}
	if err := mesh.SaveRunSummary(a.outputPath(".summary.json"), res.Summary); err != nil {
		return err
	}
	fc := mesh.TrajectoryFeatureCollection(res.Chain, res.Merged, a.Config.VoxelSize)
	return mesh.SaveGeoJSON(a.outputPath(".trajectory.geojson"), fc)
}

// writeClouds saves the merged cloud in every configured format, the
// per-frame clouds and the reconstructed mesh.
func (a *App) writeClouds(ctx context.Context, frames []*mesh.Frame, res *mesh.RunResult) error {
	cfg := a.Config
	for _, format := range cfg.Output.Formats {
		ext := strings.ToLower(format)
		path := a.outputPath("." + ext)
		if ext == "ply" {
			path = a.outputPath("_cloud.ply")
		}
		if err := mesh.SaveCloud(path, res.Merged); err != nil {
			return err
		}
		a.Log.Infof("merged cloud written to %s", path)
	}

	if cfg.Output.PerFrame {
		for _, i := range res.Chain.Included() {
			pose, _ := res.Chain.Pose(i)
			path := a.outputPath(fmt.Sprintf("_%d.pcd", i))
			if err := mesh.SaveCloud(path, frames[i].Cloud.Transformed(pose)); err != nil {
				return err
			}
		}
	}

	surface, err := mesh.NewSurfaceReconstructor(cfg.Surface, cfg.VoxelSize, a.Log)
	if err != nil {
		return err
	}
	m, err := surface.Reconstruct(ctx, frames, res.Chain, res.Merged)
	if err != nil {
		return errors.Wrap(err, "surface reconstruction")
	}
	if err := mesh.SaveMesh(a.outputPath(".ply"), m); err != nil {
		return err
	}
	a.Log.Infof("mesh with %d triangles written to %s", len(m.Faces), a.outputPath(".ply"))
	return nil
}

// writePlots renders the diagnostics. Failures are logged only.
func (a *App) writePlots(frames []*mesh.Frame, res *mesh.RunResult) {
	warn := func(what string, err error) {
		if err != nil {
			a.Log.Warnf("%s: %v", what, err)
		}
	}
	warn("ICP residual plot", mesh.PlotICPResiduals(res.Pairs, a.outputPath("_icp.png")))
	warn("inlier plot", mesh.PlotInlierRatios(res.Summary, a.outputPath("_inliers.png")))

	r := mesh.NewTopDownRenderer()
	r.AddFrames(frames, res.Chain)
	warn("top-down SVG", writeFile(a.outputPath("_topdown.svg"), r.RenderToSVG))
	warn("top-down PNG", writeFile(a.outputPath("_topdown.png"), r.RenderToPNG))

	sheet, err := mesh.RenderContactSheet(frames, res.Chain, 4, 160)
	if err != nil {
		warn("depth previews", err)
		return
	}
	warn("depth previews", mesh.SavePNG(a.outputPath("_depth.png"), sheet))
}

// writeFile creates path and hands it to render.
func writeFile(path string, render func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(mesh.ErrIO, "creating %s: %v", path, err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return render(f)
}

// printSummary writes a short human-readable report of the run.
func (a *App) printSummary(s mesh.RunSummary) {
	fmt.Fprintf(a.out, "\nRun %s (%s, policy %s)\n", s.RunID, s.Method, s.Policy)
	fmt.Fprintf(a.out, "  frames: %d, included: %v\n", s.Frames, s.Included)
	for _, e := range s.Excluded {
		fmt.Fprintf(a.out, "  excluded frame %d %s: %s\n", e.Frame, e.Name, e.Reason)
	}
	if s.Aborted {
		fmt.Fprintln(a.out, "  run was aborted")
	}
}

// RunRegister registers the cloud in src onto the cloud in dst and prints
// the pair metrics as JSON. With --output-dir the merged cloud is saved
// too.
func (a *App) RunRegister(ctx context.Context, src, dst string) error {
	if err := a.setup(); err != nil {
		return err
	}
	cfg := a.Config
	defer func() { _ = a.Log.Sync() }()

	registrar, err := a.newRegistrar(cfg.RegistrarConfig())
	if err != nil {
		return errors.Wrap(err, "creating registrar")
	}
	dstCloud, err := mesh.LoadCloud(dst)
	if err != nil {
		return err
	}
	srcCloud, err := mesh.LoadCloud(src)
	if err != nil {
		return err
	}
	frames := []*mesh.Frame{
		{Name: filepath.Base(dst), Cloud: dstCloud},
		{Name: filepath.Base(src), Cloud: srcCloud},
	}

	p := &mesh.Pipeline{
		Registrar:  registrar,
		ICP:        cfg.Refinement(),
		Policy:     mesh.PolicySkip,
		Workers:    1,
		Seed:       cfg.Seed,
		MergeVoxel: cfg.MergeVoxel,
		Logger:     a.Log,
	}
	res, runErr := p.Run(ctx, frames)
	if res == nil {
		return runErr
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res.Pairs[0].Metrics()); err != nil {
		return errors.Wrap(err, "encoding pair metrics")
	}
	if runErr != nil {
		return runErr
	}

	if a.Options.IsSet("output-dir") {
		if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
			return errors.Wrapf(mesh.ErrIO, "creating output directory: %v", err)
		}
		for _, format := range cfg.Output.Formats {
			if err := mesh.SaveCloud(a.outputPath("."+strings.ToLower(format)), res.Merged); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunInspect prints a run summary or pose chain file as a table.
func (a *App) RunInspect(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(mesh.ErrIO, "reading %s: %v", path, err)
	}
	var keys struct {
		Poses  json.RawMessage `json:"poses"`
		Method json.RawMessage `json:"method"`
	}
	if err := json.Unmarshal(data, &keys); err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}

	switch {
	case keys.Poses != nil:
		chain, err := mesh.LoadPoseChain(path)
		if err != nil {
			return err
		}
		return printChain(a.out, chain)
	case keys.Method != nil:
		s, err := mesh.LoadRunSummary(path)
		if err != nil {
			return err
		}
		return printRunSummary(a.out, s)
	default:
		return errors.Errorf("%s is neither a run summary nor a pose chain", path)
	}
}

func printChain(out io.Writer, chain *mesh.PoseChain) error {
	fmt.Fprintf(out, "Pose chain %s, reference frame %d\n\n", chain.RunID, chain.Reference)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FRAME\tNAME\tINCLUDED\tX\tY\tZ\tROT(deg)\tREASON")
	for _, p := range chain.Poses {
		c := p.Transform.TranslationVector()
		fmt.Fprintf(w, "%d\t%s\t%t\t%.3f\t%.3f\t%.3f\t%.2f\t%s\n",
			p.Frame, p.Name, p.Included, c.X, c.Y, c.Z, p.Transform.RotationAngle()*180/math.Pi, p.Reason)
	}
	return w.Flush()
}

func printRunSummary(out io.Writer, s mesh.RunSummary) error {
	fmt.Fprintf(out, "Run %s: %s, policy %s\n", s.RunID, s.Method, s.Policy)
	fmt.Fprintf(out, "Frames %d, included %v", s.Frames, s.Included)
	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
		fmt.Fprintf(out, ", took %v", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	if s.Aborted {
		fmt.Fprint(out, " (aborted)")
	}
	fmt.Fprint(out, "\n\n")

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PAIR\tMETHOD\tINLIERS\tRATIO\tRMSE\tICP\tMS\tSTAGE\tERROR")
	for _, m := range s.Pairs {
		pair := fmt.Sprintf("%d-%d", m.From, m.To)
		if m.Bridged {
			pair += "*"
		}
		icp := m.ICPState
		if m.ICPIterations > 0 {
			icp = fmt.Sprintf("%s/%d", m.ICPState, m.ICPIterations)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.3f\t%.4f\t%s\t%d\t%s\t%s\n",
			pair, m.Method, m.Inliers, m.InlierRatio, m.RMSE, icp, m.DurationMs, m.Stage, m.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, e := range s.Excluded {
		fmt.Fprintf(out, "excluded frame %d %s: %s\n", e.Frame, e.Name, e.Reason)
	}
	return nil
}
