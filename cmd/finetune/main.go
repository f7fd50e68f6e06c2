package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/config"
	"github.com/tsawler/go-finetune/internal/logging"
	"github.com/tsawler/go-finetune/training"
	"github.com/tsawler/go-finetune/vision/dataloader"
	"github.com/tsawler/go-finetune/vision/dataset"
	"github.com/tsawler/go-finetune/vision/preprocessing"
	"go.uber.org/zap"
)

// args overrides the config file. Unset flags leave the file's setting alone;
// pointer fields let an explicit zero or false override it.
type args struct {
	Config           string    `arg:"-c,help:YAML run configuration"`
	Data             string    `arg:"positional,help:dataset root with one subdirectory per class"`
	Epochs           int       `arg:"help:epochs per learning rate"`
	BatchSize        int       `arg:"help:examples per batch"`
	LR               []float64 `arg:"help:learning rates to sweep"`
	Seed             *int64    `arg:"help:seed for the split and the samplers"`
	Optimizer        string    `arg:"help:sgd or adam"`
	Schedule         string    `arg:"help:step, exponential, cosine or constant"`
	Reset            *bool     `arg:"help:restore the initial parameters before every learning rate"`
	KeepCheckpoints  *bool     `arg:"help:keep each learning rate's best checkpoint"`
	CheckpointDir    string    `arg:"help:directory for kept checkpoints"`
	CheckpointFormat string    `arg:"help:json or binary"`
	Pretrained       string    `arg:"help:checkpoint holding the backbone weights"`
	PlotDir          string    `arg:"help:directory for loss curves"`
	EvaluateTest     *bool     `arg:"help:evaluate the final model on the test split"`
	Progress         *bool     `arg:"-p,help:show per-batch progress"`
	LogLevel         string    `arg:"help:debug, info, warn or error"`
}

func (a args) apply(cfg *config.RunConfig) {
	if a.Data != "" {
		cfg.DataDir = a.Data
	}
	if a.Epochs > 0 {
		cfg.NumEpochs = a.Epochs
	}
	if a.BatchSize > 0 {
		cfg.BatchSize = a.BatchSize
	}
	if len(a.LR) > 0 {
		cfg.LearningRates = a.LR
	}
	if a.Seed != nil {
		cfg.Seed = *a.Seed
	}
	if a.Optimizer != "" {
		cfg.Optimizer = a.Optimizer
	}
	if a.Schedule != "" {
		cfg.LRSchedule = a.Schedule
	}
	if a.CheckpointDir != "" {
		cfg.CheckpointDir = a.CheckpointDir
	}
	if a.CheckpointFormat != "" {
		cfg.CheckpointFormat = a.CheckpointFormat
	}
	if a.Pretrained != "" {
		cfg.PretrainedWeights = a.Pretrained
	}
	if a.PlotDir != "" {
		cfg.PlotDir = a.PlotDir
	}
	if a.LogLevel != "" {
		cfg.LogLevel = a.LogLevel
	}
	overrideBool(&cfg.ResetBetweenCandidates, a.Reset)
	overrideBool(&cfg.KeepCheckpoints, a.KeepCheckpoints)
	overrideBool(&cfg.EvaluateTest, a.EvaluateTest)
	overrideBool(&cfg.Progress, a.Progress)
}

func overrideBool(dst *bool, flag *bool) {
	if flag != nil {
		*dst = *flag
	}
}

func main() {
	var a args
	arg.MustParse(&a)

	if err := run(a); err != nil {
		fmt.Fprintf(os.Stderr, "finetune: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(fs afero.Fs, a args) (config.RunConfig, error) {
	cfg := config.Default()
	if a.Config != "" {
		var err error
		if cfg, err = config.Load(fs, a.Config); err != nil {
			return cfg, err
		}
	}
	a.apply(&cfg)
	return cfg, cfg.Validate()
}

func run(a args) error {
	fs := afero.NewOsFs()
	cfg, err := loadConfig(fs, a)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	device, _ := cfg.ResolveDevice()
	logger.Info("starting", zap.String("data", cfg.DataDir), zap.String("device", device), zap.Int64("seed", cfg.Seed))

	var progress io.Writer
	if cfg.Progress {
		progress = os.Stderr
	}
	return finetune(fs, cfg, logger, os.Stdout, progress)
}

// finetune runs the whole pipeline: load and split the images, build the
// model, sweep the learning rates and optionally score the test split.
func finetune(fs afero.Fs, cfg config.RunConfig, logger *zap.Logger, out, progress io.Writer) error {
	folder, err := dataset.NewImageFolderDataset(fs, cfg.DataDir, dataset.Options{MaxPerClass: cfg.MaxPerClass})
	if err != nil {
		return err
	}
	fmt.Fprint(out, folder.String())

	processor, err := preprocessing.NewImageProcessor(cfg.Preprocessing())
	if err != nil {
		return err
	}
	imageConfig := dataloader.Config{NumWorkers: cfg.NumWorkers}
	if cfg.CacheSize > 0 {
		if imageConfig.CacheManager, err = dataloader.NewCacheManager(cfg.CacheSize); err != nil {
			return err
		}
	}
	images, err := dataloader.NewImageDataset(fs, folder, processor, imageConfig)
	if err != nil {
		return err
	}

	partition, err := training.RandomSplit(folder.Len(), cfg.Split, cfg.Seed)
	if err != nil {
		return err
	}
	logger.Info("split dataset",
		zap.Int("train", partition.Train.Len()),
		zap.Int("val", partition.Val.Len()),
		zap.Int("test", partition.Test.Len()),
		zap.Int("dropped", partition.Dropped),
	)

	targets := folder.Targets()
	sampler, counts, err := training.NewClassBalancedSampler(partition.Train, targets, cfg.Seed)
	if err != nil {
		return err
	}
	for _, class := range counts.Classes() {
		logger.Info("train class", zap.String("class", folder.ClassNames()[class]), zap.Int("count", counts[class]))
	}

	trainLoader, err := training.NewSubsetLoader(images, partition.Train, sampler, cfg.BatchSize)
	if err != nil {
		return err
	}
	valLoader, err := training.NewShuffledSubsetLoader(images, partition.Val, cfg.BatchSize, cfg.Seed+1)
	if err != nil {
		return err
	}

	model, err := training.NewTransferModel(cfg.Model(folder.NumClasses()))
	if err != nil {
		return err
	}
	if cfg.PretrainedWeights != "" {
		saver := checkpoints.NewCheckpointSaver(fs, checkpoints.FormatForPath(cfg.PretrainedWeights))
		pretrained, err := saver.LoadCheckpoint(cfg.PretrainedWeights)
		if err != nil {
			return errors.Wrapf(err, "pretrained weights %s", cfg.PretrainedWeights)
		}
		if err := training.LoadFrozenWeights(model, pretrained); err != nil {
			return err
		}
		logger.Info("loaded pretrained backbone", zap.String("path", cfg.PretrainedWeights))
	}
	training.NewModelArchitecturePrinter("TransferModel").PrintArchitecture(out, model)

	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return err
	}
	criterion := training.NewCrossEntropyLoss()
	sweep, err := training.NewSweep(model, criterion, training.SweepConfig{
		LearningRates:          cfg.LearningRates,
		Epochs:                 cfg.NumEpochs,
		Optimizer:              cfg.OptimizerConfig(),
		Schedule:               cfg.Schedule(),
		ResetBetweenCandidates: cfg.ResetBetweenCandidates,
		KeepCheckpoints:        cfg.KeepCheckpoints,
		CheckpointDir:          cfg.CheckpointDir,
		CheckpointFormat:       format,
		Fs:                     fs,
		Plotter:                training.NewChartPlotter(fs, cfg.PlotDir, "TransferModel"),
		Logger:                 logger,
		Progress:               progress,
	})
	if err != nil {
		return err
	}

	result, err := sweep.Run(trainLoader, valLoader)
	if err != nil {
		return err
	}
	for _, c := range result.Candidates {
		logger.Info("candidate",
			zap.String("lr", training.FormatLearningRate(c.LearningRate)),
			zap.Float64("best_accuracy", c.BestAccuracy),
			zap.Int("best_epoch", c.BestEpoch),
			zap.String("elapsed", training.FormatElapsed(c.Elapsed)),
			zap.String("plot", c.PlotPath),
			zap.String("checkpoint", c.CheckpointPath),
		)
	}
	if best, ok := result.Best(); ok {
		fmt.Fprintf(out, "Best learning rate %s: val accuracy %.4f (epoch %d)\n",
			training.FormatLearningRate(best.LearningRate), best.BestAccuracy, best.BestEpoch)
	}
	logger.Debug("image cache", zap.String("stats", images.Stats()))

	if !cfg.EvaluateTest {
		return nil
	}
	testLoader, err := training.NewShuffledSubsetLoader(images, partition.Test, cfg.BatchSize, cfg.Seed+2)
	if err != nil {
		return err
	}
	cm, loss, err := training.Evaluate(model, testLoader, criterion, folder.NumClasses())
	if err != nil {
		return errors.Wrap(err, "test evaluation failed")
	}
	fmt.Fprintf(out, "Test: %s examples, loss %.4f, accuracy %.4f, macro F1 %.4f\n",
		humanize.Comma(int64(cm.TotalSamples)), loss, cm.GetAccuracy(), cm.GetMetric(training.MacroF1))
	for class, name := range folder.ClassNames() {
		fmt.Fprintf(out, "  %-12s precision %.4f recall %.4f support %d\n",
			name, cm.ClassPrecision(class), cm.ClassRecall(class), cm.Support(class))
	}
	return nil
}
