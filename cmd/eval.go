package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/densemark/uvtrain/checkpoints"
	"github.com/densemark/uvtrain/models"
	"github.com/densemark/uvtrain/training"
	"github.com/densemark/uvtrain/vision/dataset"
)

type evalOptions struct {
	Checkpoint string
	DataDir    string
	Split      string
	BatchSize  int
	Workers    int
	Std        float64
	Alpha      float64
	Mix        float64
	Progress   bool
}

// NewEvalCmd evaluates a checkpoint on a dataset split and prints
// per-class metrics.
func NewEvalCmd() *cobra.Command {
	opts := evalOptions{
		Split:     "test",
		BatchSize: 4,
		Workers:   2,
		Std:       training.DefaultHeatmapStd,
		Alpha:     training.DefaultHeatmapAlpha,
		Mix:       0.5,
	}
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.Checkpoint, "checkpoint", "", "checkpoint to evaluate (.json or .cbor)")
	flags.StringVar(&opts.DataDir, "data", "", "dataset directory")
	flags.StringVar(&opts.Split, "split", opts.Split, "dataset split: train or test")
	flags.IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "samples per batch")
	flags.IntVar(&opts.Workers, "workers", opts.Workers, "data loading workers")
	flags.Float64Var(&opts.Std, "std", opts.Std, "Gaussian heatmap standard deviation in pixels")
	flags.Float64Var(&opts.Alpha, "alpha", opts.Alpha, "Gaussian heatmap peak amplitude")
	flags.Float64Var(&opts.Mix, "mix", opts.Mix, "blend weight for joint heatmap and segmentation models")
	flags.BoolVar(&opts.Progress, "progress", opts.Progress, "show a progress bar")
	cmd.MarkFlagRequired("checkpoint")
	cmd.MarkFlagRequired("data")
	return cmd
}

func runEval(opts evalOptions) error {
	checkpoint, err := checkpoints.Load(opts.Checkpoint)
	if err != nil {
		return err
	}

	ds, err := dataset.Load(opts.DataDir)
	if err != nil {
		return err
	}
	info := ds.Info()

	var subset *training.Subset
	switch opts.Split {
	case "train":
		subset, err = ds.TrainSplit()
	case "test":
		subset, err = ds.TestSplit()
	default:
		return fmt.Errorf("unknown split %q: expected train or test", opts.Split)
	}
	if err != nil {
		return err
	}
	loader, err := training.NewDataLoader(subset, opts.BatchSize, false, opts.Workers)
	if err != nil {
		return err
	}

	fmt.Printf("Evaluating %s on %d %s samples from %s\n\n",
		checkpoint.Model.Kind, loader.NumSamples(), opts.Split, ds.Name())

	switch checkpoint.Model.Kind {
	case "uv":
		return evalUV(checkpoint, ds, loader, info, opts)
	case "heatmap":
		return evalHeatmap(checkpoint, loader, info, opts)
	case "heatmap_seg":
		return evalHeatmapSeg(checkpoint, loader, info, opts)
	default:
		return fmt.Errorf("unknown model kind %q in checkpoint", checkpoint.Model.Kind)
	}
}

func evalUV(checkpoint *checkpoints.Checkpoint, ds *dataset.RadiographDataset,
	loader *training.DataLoader, info training.DatasetInfo, opts evalOptions) error {

	desc := checkpoint.Model
	model, err := models.NewUVUNet(models.Config{
		InChannels: desc.InChannels,
		BaseWidth:  desc.BaseWidth,
		Depth:      desc.Depth,
	}, desc.NumClasses)
	if err != nil {
		return err
	}
	if err := checkpoint.Apply(model); err != nil {
		return err
	}
	canonical, err := ds.CanonicalUV()
	if err != nil {
		return err
	}

	stats, err := training.RunUVEpoch(training.UVEpochConfig{
		Mode:        training.ModeTest,
		Supervision: training.SupervisionDense,
		Weights:     training.LossWeights{BCE: 1, UV: 1, TV: 1},
		Loader:      loader,
		Model:       model,
		Info:        info,
		LandmarkUV:  canonical,
		Progress:    opts.Progress,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Loss=%.4f, BCE=%.4f, UV Loss=%.4f, UV L1=%.4f, TV=%.4f\n\n",
		stats.Loss, stats.BCE, stats.UVLoss, stats.UVL1, stats.TV)

	rows := make([][]string, 0, info.NumClasses+1)
	for i, label := range info.ClassLabels {
		rows = append(rows, []string{
			label,
			fmt.Sprintf("%.4f", stats.DicePerClass[i]),
			fmt.Sprintf("%.4f", stats.UVL1PerClass[i]),
			fmt.Sprintf("%.4f", stats.TVPerClass[i]),
		})
	}
	rows = append(rows, []string{
		"mean",
		fmt.Sprintf("%.4f", stats.Dice),
		fmt.Sprintf("%.4f", stats.UVL1),
		fmt.Sprintf("%.4f", stats.TV),
	})
	renderTable([]string{"CLASS", "DICE", "UV L1", "TV"}, rows)
	return nil
}

func evalHeatmap(checkpoint *checkpoints.Checkpoint, loader *training.DataLoader,
	info training.DatasetInfo, opts evalOptions) error {

	desc := checkpoint.Model
	model, err := models.NewKeypointUNet(models.Config{
		InChannels: desc.InChannels,
		BaseWidth:  desc.BaseWidth,
		Depth:      desc.Depth,
	}, desc.NumLandmarks)
	if err != nil {
		return err
	}
	if err := checkpoint.Apply(model); err != nil {
		return err
	}

	stats, err := training.RunHeatmapEpoch(training.HeatmapEpochConfig{
		Mode:         training.ModeTest,
		Loader:       loader,
		Model:        model,
		Info:         info,
		HeatmapStd:   opts.Std,
		HeatmapAlpha: opts.Alpha,
		Progress:     opts.Progress,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Loss=%.6f, TRE=%.3f mm\n\n", stats.Loss, stats.TRE)

	rows := make([][]string, 0, info.NumClasses+1)
	for i, label := range info.ClassLabels {
		rows = append(rows, []string{label, fmt.Sprintf("%.3f", stats.TREPerClass[i])})
	}
	rows = append(rows, []string{"mean", fmt.Sprintf("%.3f", stats.TRE)})
	renderTable([]string{"CLASS", "TRE [MM]"}, rows)
	return nil
}

func evalHeatmapSeg(checkpoint *checkpoints.Checkpoint, loader *training.DataLoader,
	info training.DatasetInfo, opts evalOptions) error {

	desc := checkpoint.Model
	model, err := models.NewKeypointSegUNet(models.Config{
		InChannels: desc.InChannels,
		BaseWidth:  desc.BaseWidth,
		Depth:      desc.Depth,
	}, desc.NumLandmarks, desc.NumClasses)
	if err != nil {
		return err
	}
	if err := checkpoint.Apply(model); err != nil {
		return err
	}

	stats, err := training.RunHeatmapSegEpoch(training.HeatmapSegEpochConfig{
		Mode:         training.ModeTest,
		Loader:       loader,
		Model:        model,
		Info:         info,
		HeatmapStd:   opts.Std,
		HeatmapAlpha: opts.Alpha,
		MixWeight:    opts.Mix,
		Progress:     opts.Progress,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Loss=%.4f, BCE=%.4f, Heatmap MSE=%.6f, Dice=%.4f, TRE=%.3f mm\n\n",
		stats.Loss, stats.BCE, stats.HeatmapMSE, stats.Dice, stats.TRE)

	rows := make([][]string, 0, info.NumClasses+1)
	for i, label := range info.ClassLabels {
		rows = append(rows, []string{
			label,
			fmt.Sprintf("%.4f", stats.DicePerClass[i]),
			fmt.Sprintf("%.3f", stats.TREPerClass[i]),
		})
	}
	rows = append(rows, []string{
		"mean",
		fmt.Sprintf("%.4f", stats.Dice),
		fmt.Sprintf("%.3f", stats.TRE),
	})
	renderTable([]string{"CLASS", "DICE", "TRE [MM]"}, rows)
	return nil
}

func renderTable(header []string, rows [][]string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
}
