package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/densemark/uvtrain/checkpoints"
	"github.com/densemark/uvtrain/models"
	"github.com/densemark/uvtrain/track"
	"github.com/densemark/uvtrain/training"
	"github.com/densemark/uvtrain/vision/augment"
	"github.com/densemark/uvtrain/vision/dataset"
)

// trainOptions collects every training flag. The json tags double as the
// config-file keys: flag --batch-size maps to "batch_size".
type trainOptions struct {
	DataDir       string  `json:"data"`
	Out           string  `json:"out"`
	RunsDir       string  `json:"runs"`
	RunName       string  `json:"run_name"`
	Epochs        int     `json:"epochs"`
	BatchSize     int     `json:"batch_size"`
	LR            float64 `json:"lr"`
	LRScheduler   bool    `json:"lr_scheduler"`
	Seed          int64   `json:"seed"`
	Workers       int     `json:"workers"`
	BaseWidth     int     `json:"base_width"`
	Depth         int     `json:"depth"`
	ValidateEvery int     `json:"validate_every"`
	Precision     string  `json:"precision"`
	CacheSize     int     `json:"cache"`
	Progress      bool    `json:"progress"`
	Quiet         bool    `json:"quiet"`
	Verbose       bool    `json:"verbose"`
	Sidecar       string  `json:"sidecar"`

	Rotate    float64 `json:"rotate"`
	Translate float64 `json:"translate"`
	Scale     float64 `json:"scale"`

	BCE         float64 `json:"bce"`
	UV          float64 `json:"uv"`
	TV          float64 `json:"tv"`
	Supervision string  `json:"supervision"`
	UVLoss      string  `json:"uv_loss"`

	Std   float64 `json:"std"`
	Alpha float64 `json:"alpha"`
	Mix   float64 `json:"mix"`

	ConfigPath string `json:"-"`
}

func defaultTrainOptions() trainOptions {
	return trainOptions{
		RunsDir:       "runs",
		Epochs:        100,
		BatchSize:     4,
		LR:            0.001,
		Seed:          42,
		Workers:       2,
		BaseWidth:     16,
		Depth:         4,
		ValidateEvery: 1,
		Precision:     "float32",
		CacheSize:     128,
		Progress:      true,

		BCE:         1,
		UV:          1,
		TV:          0,
		Supervision: "dense",
		UVLoss:      "l1",

		Std:   training.DefaultHeatmapStd,
		Alpha: training.DefaultHeatmapAlpha,
		Mix:   0.5,
	}
}

func addCommonTrainFlags(cmd *cobra.Command, opts *trainOptions) {
	flags := cmd.Flags()
	flags.StringVar(&opts.DataDir, "data", opts.DataDir, "dataset directory")
	flags.StringVar(&opts.Out, "out", opts.Out, "checkpoint path (.json or .cbor); empty disables saving")
	flags.StringVar(&opts.RunsDir, "runs", opts.RunsDir, "directory for run logs")
	flags.StringVar(&opts.RunName, "run-name", opts.RunName, "run name recorded in the descriptor")
	flags.IntVar(&opts.Epochs, "epochs", opts.Epochs, "number of training epochs")
	flags.IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "samples per batch")
	flags.Float64Var(&opts.LR, "lr", opts.LR, "learning rate")
	flags.BoolVar(&opts.LRScheduler, "lr-scheduler", opts.LRScheduler, "cosine-anneal the learning rate over the session")
	flags.Int64Var(&opts.Seed, "seed", opts.Seed, "random seed")
	flags.IntVar(&opts.Workers, "workers", opts.Workers, "data loading workers")
	flags.IntVar(&opts.BaseWidth, "base-width", opts.BaseWidth, "channels of the first encoder block")
	flags.IntVar(&opts.Depth, "depth", opts.Depth, "number of pooling stages")
	flags.IntVar(&opts.ValidateEvery, "validate-every", opts.ValidateEvery, "validate every N epochs (0 disables)")
	flags.StringVar(&opts.Precision, "precision", opts.Precision, "checkpoint weight precision: float32, float16 or bfloat16")
	flags.IntVar(&opts.CacheSize, "cache", opts.CacheSize, "sample cache capacity (0 disables)")
	flags.BoolVar(&opts.Progress, "progress", opts.Progress, "show a per-epoch progress bar")
	flags.BoolVar(&opts.Quiet, "quiet", opts.Quiet, "suppress per-epoch summaries")
	flags.BoolVar(&opts.Verbose, "verbose", opts.Verbose, "log every metric to the console")
	flags.StringVar(&opts.Sidecar, "sidecar", opts.Sidecar, "metrics sidecar base URL; empty disables")
	flags.Float64Var(&opts.Rotate, "rotate", opts.Rotate, "augmentation rotation range in degrees")
	flags.Float64Var(&opts.Translate, "translate", opts.Translate, "augmentation translation as an image fraction")
	flags.Float64Var(&opts.Scale, "scale", opts.Scale, "augmentation scale range around 1")
	flags.StringVar(&opts.ConfigPath, "config", opts.ConfigPath, "JSON config file; explicit flags override it")

	cmd.MarkFlagRequired("data")
}

// applyConfigFile merges a JSON config file under the current options.
// Flags set explicitly on the command line keep their values.
func (o *trainOptions) applyConfigFile(flags *pflag.FlagSet) error {
	if o.ConfigPath == "" {
		return nil
	}

	payload, err := os.ReadFile(o.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return fmt.Errorf("failed to parse config file: %v", err)
	}

	flags.Visit(func(flag *pflag.Flag) {
		delete(raw, strings.ReplaceAll(flag.Name, "-", "_"))
	})

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           o,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("invalid config file: %v", err)
	}
	return nil
}

func parseUVLoss(name string) (training.ElementLoss, error) {
	switch strings.ToLower(name) {
	case "l1", "mae":
		return training.NewAbsoluteError(), nil
	case "mse", "l2":
		return training.NewSquaredError(), nil
	default:
		return nil, fmt.Errorf("unknown uv loss %q: expected l1 or mse", name)
	}
}

// NewTrainUVCmd trains a dense or sparse UV correspondence model.
func NewTrainUVCmd() *cobra.Command {
	opts := defaultTrainOptions()
	cmd := &cobra.Command{
		Use:   "uv",
		Short: "Train a UV correspondence model",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.applyConfigFile(cmd.Flags()); err != nil {
				return err
			}
			return runTrainUV(opts)
		},
	}
	addCommonTrainFlags(cmd, &opts)
	flags := cmd.Flags()
	flags.Float64Var(&opts.BCE, "bce", opts.BCE, "segmentation BCE loss weight")
	flags.Float64Var(&opts.UV, "uv", opts.UV, "UV loss weight")
	flags.Float64Var(&opts.TV, "tv", opts.TV, "total variation smoothness weight")
	flags.StringVar(&opts.Supervision, "supervision", opts.Supervision, "UV supervision: dense or sparse")
	flags.StringVar(&opts.UVLoss, "uv-loss", opts.UVLoss, "elementwise UV loss: l1 or mse")
	return cmd
}

// NewTrainHeatmapCmd trains a landmark heatmap regression model.
func NewTrainHeatmapCmd() *cobra.Command {
	opts := defaultTrainOptions()
	cmd := &cobra.Command{
		Use:   "heatmap",
		Short: "Train a landmark heatmap model",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.applyConfigFile(cmd.Flags()); err != nil {
				return err
			}
			return runTrainHeatmap(opts)
		},
	}
	addCommonTrainFlags(cmd, &opts)
	flags := cmd.Flags()
	flags.Float64Var(&opts.Std, "std", opts.Std, "Gaussian heatmap standard deviation in pixels")
	flags.Float64Var(&opts.Alpha, "alpha", opts.Alpha, "Gaussian heatmap peak amplitude")
	return cmd
}

// NewTrainHeatmapSegCmd trains a joint heatmap and segmentation model.
func NewTrainHeatmapSegCmd() *cobra.Command {
	opts := defaultTrainOptions()
	cmd := &cobra.Command{
		Use:   "heatmap-seg",
		Short: "Train a joint heatmap and segmentation model",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.applyConfigFile(cmd.Flags()); err != nil {
				return err
			}
			return runTrainHeatmapSeg(opts)
		},
	}
	addCommonTrainFlags(cmd, &opts)
	flags := cmd.Flags()
	flags.Float64Var(&opts.Std, "std", opts.Std, "Gaussian heatmap standard deviation in pixels")
	flags.Float64Var(&opts.Alpha, "alpha", opts.Alpha, "Gaussian heatmap peak amplitude")
	flags.Float64Var(&opts.Mix, "mix", opts.Mix, "blend weight: mix*bce + (1-mix)*heatmap mse")
	return cmd
}

// trainEnv bundles the collaborators every training command shares.
type trainEnv struct {
	dataset     *dataset.RadiographDataset
	info        training.DatasetInfo
	trainLoader *training.DataLoader
	valLoader   *training.DataLoader
	augmenter   training.Augmenter
	reporter    training.Reporter
	run         *track.Run
	multi       *track.MultiReporter
}

func (e *trainEnv) loader(mode training.Mode) *training.DataLoader {
	if mode == training.ModeTrain {
		return e.trainLoader
	}
	return e.valLoader
}

func (e *trainEnv) close() {
	if e.multi == nil {
		return
	}
	if err := e.multi.Close(); err != nil {
		slog.Warn("failed to close metric sinks", "error", err)
	}
	if e.run != nil {
		slog.Info("run recorded", "dir", e.run.Dir(), "events", e.run.Events())
	}
}

func setupTraining(opts trainOptions, task string) (*trainEnv, error) {
	training.SetRandomSeed(opts.Seed)

	ds, err := dataset.Load(opts.DataDir)
	if err != nil {
		return nil, err
	}
	ds.SetCacheCapacity(opts.CacheSize)
	info := ds.Info()

	trainSplit, err := ds.TrainSplit()
	if err != nil {
		return nil, err
	}
	trainLoader, err := training.NewDataLoader(trainSplit, opts.BatchSize, true, opts.Workers)
	if err != nil {
		return nil, err
	}

	env := &trainEnv{
		dataset:     ds,
		info:        info,
		trainLoader: trainLoader,
	}

	// Validation runs on the held-out test split when the dataset has one.
	if testSplit, err := ds.TestSplit(); err == nil {
		env.valLoader, err = training.NewDataLoader(testSplit, opts.BatchSize, false, opts.Workers)
		if err != nil {
			return nil, err
		}
	} else {
		slog.Warn("dataset has no test split, validation disabled", "dataset", ds.Name())
	}

	if opts.Rotate != 0 || opts.Translate != 0 || opts.Scale != 0 {
		affine, err := augment.NewRandomAffine(augment.Config{
			Degrees:   opts.Rotate,
			Translate: opts.Translate,
			Scale:     opts.Scale,
			Seed:      opts.Seed,
		})
		if err != nil {
			return nil, err
		}
		env.augmenter = affine
	}

	name := opts.RunName
	if name == "" {
		name = task
	}
	reporters := make([]training.Reporter, 0, 3)
	if opts.RunsDir != "" {
		env.run, err = track.NewRun(track.RunConfig{
			Dir:             opts.RunsDir,
			Name:            name,
			Hyperparameters: opts.hyperparameters(task),
		})
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, env.run)
	}
	if opts.Verbose {
		reporters = append(reporters, track.NewConsoleReporter(nil))
	}
	if opts.Sidecar != "" {
		sidecar := track.NewSidecarReporter(track.SidecarConfig{BaseURL: opts.Sidecar})
		sidecar.Enable()
		if err := sidecar.CheckHealth(); err != nil {
			slog.Warn("metrics sidecar unreachable, disabling", "url", opts.Sidecar, "error", err)
			sidecar.Disable()
		}
		reporters = append(reporters, sidecar)
	}
	env.multi = track.NewMultiReporter(reporters...)
	env.reporter = env.multi

	height, width := ds.ImageSize()
	slog.Info("dataset loaded",
		"dataset", ds.Name(),
		"samples", ds.Len(),
		"classes", info.NumClasses,
		"landmarks", info.NumLandmarks(),
		"size", fmt.Sprintf("%dx%d", height, width))
	return env, nil
}

func (o trainOptions) hyperparameters(task string) map[string]interface{} {
	hp := map[string]interface{}{
		"task":       task,
		"epochs":     o.Epochs,
		"batch_size": o.BatchSize,
		"lr":         o.LR,
		"seed":       o.Seed,
		"base_width": o.BaseWidth,
		"depth":      o.Depth,
		"rotate":     o.Rotate,
		"translate":  o.Translate,
		"scale":      o.Scale,
	}
	switch task {
	case "uv":
		hp["bce"] = o.BCE
		hp["uv"] = o.UV
		hp["tv"] = o.TV
		hp["supervision"] = o.Supervision
		hp["uv_loss"] = o.UVLoss
	case "heatmap":
		hp["std"] = o.Std
		hp["alpha"] = o.Alpha
	case "heatmap-seg":
		hp["std"] = o.Std
		hp["alpha"] = o.Alpha
		hp["mix"] = o.Mix
	}
	if o.LRScheduler {
		hp["lr_scheduler"] = "cosine"
	}
	return hp
}

func buildOptimizer(model training.Model, opts trainOptions) (*training.Adam, training.LRScheduler, error) {
	adamConfig := training.DefaultAdamConfig()
	adamConfig.LearningRate = opts.LR
	optimizer, err := training.NewAdam(model.Parameters(), adamConfig)
	if err != nil {
		return nil, nil, err
	}

	var scheduler training.LRScheduler
	if opts.LRScheduler {
		scheduler = training.NewCosineAnnealingLRScheduler(opts.Epochs, opts.LR/100)
	}
	return optimizer, scheduler, nil
}

func runSession(runner training.EpochRunner, model training.Model, optimizer *training.Adam,
	scheduler training.LRScheduler, description checkpoints.ModelDescription,
	opts trainOptions, env *trainEnv) error {

	precision, err := checkpoints.ParsePrecision(opts.Precision)
	if err != nil {
		return err
	}

	validateEvery := opts.ValidateEvery
	if env.valLoader == nil {
		validateEvery = 0
	}

	config := training.SessionConfig{
		Epochs:        opts.Epochs,
		ValidateEvery: validateEvery,
		Scheduler:     scheduler,
		Reporter:      env.reporter,
		Quiet:         opts.Quiet,
	}
	if opts.Out != "" {
		config.CheckpointFn = func(epoch int, loss float64) error {
			checkpoint, err := checkpoints.Snapshot(model, description, checkpoints.TrainingState{
				Epoch:        epoch,
				LearningRate: optimizer.GetLR(),
				Optimizer:    "adam",
				BestLoss:     loss,
			}, precision)
			if err != nil {
				return err
			}
			if dir := filepath.Dir(opts.Out); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create checkpoint directory: %v", err)
				}
			}
			return checkpoints.Save(checkpoint, opts.Out)
		}
	}

	session, err := training.NewSession(runner, optimizer, config)
	if err != nil {
		return err
	}

	slog.Info("training", "model", description.Kind,
		"parameters", training.FormatParameterCount(training.CountParameters(model)),
		"epochs", opts.Epochs)
	if err := session.Run(); err != nil {
		return err
	}

	if best, epoch, ok := session.BestValidLoss(); ok {
		slog.Info("training finished", "best_valid_loss", best, "best_epoch", epoch)
	} else {
		slog.Info("training finished", "epochs", len(session.History()))
	}
	if opts.Out != "" {
		slog.Info("checkpoint saved", "path", opts.Out)
	}
	return nil
}

func runTrainUV(opts trainOptions) error {
	supervision, err := training.ParseSupervision(opts.Supervision)
	if err != nil {
		return err
	}
	elemLoss, err := parseUVLoss(opts.UVLoss)
	if err != nil {
		return err
	}
	weights := training.LossWeights{BCE: opts.BCE, UV: opts.UV, TV: opts.TV}
	if !weights.AnyActive() {
		return fmt.Errorf("at least one of --bce, --uv, --tv must be non-zero")
	}

	env, err := setupTraining(opts, "uv")
	if err != nil {
		return err
	}
	defer env.close()

	canonical, err := env.dataset.CanonicalUV()
	if err != nil {
		return err
	}

	model, err := models.NewUVUNet(models.Config{
		InChannels: 1,
		BaseWidth:  opts.BaseWidth,
		Depth:      opts.Depth,
	}, env.info.NumClasses)
	if err != nil {
		return err
	}
	optimizer, scheduler, err := buildOptimizer(model, opts)
	if err != nil {
		return err
	}

	runner := training.EpochRunnerFunc(func(mode training.Mode, epoch int) (float64, error) {
		stats, err := training.RunUVEpoch(training.UVEpochConfig{
			Mode:        mode,
			Supervision: supervision,
			Weights:     weights,
			Epoch:       epoch,
			Loader:      env.loader(mode),
			Model:       model,
			Optimizer:   optimizer,
			Augmenter:   env.augmenter,
			Reporter:    env.reporter,
			Info:        env.info,
			ElemLoss:    elemLoss,
			LandmarkUV:  canonical,
			Progress:    opts.Progress,
		})
		if err != nil {
			return 0, err
		}
		return stats.Loss, nil
	})

	description := checkpoints.ModelDescription{
		Kind:       "uv",
		InChannels: 1,
		BaseWidth:  opts.BaseWidth,
		Depth:      opts.Depth,
		NumClasses: env.info.NumClasses,
	}
	return runSession(runner, model, optimizer, scheduler, description, opts, env)
}

func runTrainHeatmap(opts trainOptions) error {
	env, err := setupTraining(opts, "heatmap")
	if err != nil {
		return err
	}
	defer env.close()

	model, err := models.NewKeypointUNet(models.Config{
		InChannels: 1,
		BaseWidth:  opts.BaseWidth,
		Depth:      opts.Depth,
	}, env.info.NumLandmarks())
	if err != nil {
		return err
	}
	optimizer, scheduler, err := buildOptimizer(model, opts)
	if err != nil {
		return err
	}

	runner := training.EpochRunnerFunc(func(mode training.Mode, epoch int) (float64, error) {
		stats, err := training.RunHeatmapEpoch(training.HeatmapEpochConfig{
			Mode:         mode,
			Epoch:        epoch,
			Loader:       env.loader(mode),
			Model:        model,
			Optimizer:    optimizer,
			Augmenter:    env.augmenter,
			Reporter:     env.reporter,
			Info:         env.info,
			HeatmapStd:   opts.Std,
			HeatmapAlpha: opts.Alpha,
			Progress:     opts.Progress,
		})
		if err != nil {
			return 0, err
		}
		return stats.Loss, nil
	})

	description := checkpoints.ModelDescription{
		Kind:         "heatmap",
		InChannels:   1,
		BaseWidth:    opts.BaseWidth,
		Depth:        opts.Depth,
		NumLandmarks: env.info.NumLandmarks(),
	}
	return runSession(runner, model, optimizer, scheduler, description, opts, env)
}

func runTrainHeatmapSeg(opts trainOptions) error {
	if opts.Mix < 0 || opts.Mix > 1 {
		return fmt.Errorf("--mix must be in [0, 1], got %g", opts.Mix)
	}

	env, err := setupTraining(opts, "heatmap-seg")
	if err != nil {
		return err
	}
	defer env.close()

	model, err := models.NewKeypointSegUNet(models.Config{
		InChannels: 1,
		BaseWidth:  opts.BaseWidth,
		Depth:      opts.Depth,
	}, env.info.NumLandmarks(), env.info.NumClasses)
	if err != nil {
		return err
	}
	optimizer, scheduler, err := buildOptimizer(model, opts)
	if err != nil {
		return err
	}

	runner := training.EpochRunnerFunc(func(mode training.Mode, epoch int) (float64, error) {
		stats, err := training.RunHeatmapSegEpoch(training.HeatmapSegEpochConfig{
			Mode:         mode,
			Epoch:        epoch,
			Loader:       env.loader(mode),
			Model:        model,
			Optimizer:    optimizer,
			Augmenter:    env.augmenter,
			Reporter:     env.reporter,
			Info:         env.info,
			HeatmapStd:   opts.Std,
			HeatmapAlpha: opts.Alpha,
			MixWeight:    opts.Mix,
			Progress:     opts.Progress,
		})
		if err != nil {
			return 0, err
		}
		return stats.Loss, nil
	})

	description := checkpoints.ModelDescription{
		Kind:         "heatmap_seg",
		InChannels:   1,
		BaseWidth:    opts.BaseWidth,
		Depth:        opts.Depth,
		NumClasses:   env.info.NumClasses,
		NumLandmarks: env.info.NumLandmarks(),
	}
	return runSession(runner, model, optimizer, scheduler, description, opts, env)
}
