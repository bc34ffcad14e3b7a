// Command train fits the grid detector on a dataset described by a YAML
// config file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"griddet/checkpoints"
	"griddet/dataset"
	"griddet/model"
	"griddet/training"
)

type trainOptions struct {
	dataPath       string
	cfgPath        string
	weightsPath    string
	batchSize      int
	epochs         int
	imageSize      int
	learningRate   float64
	lrDecay        float64
	lrPeriod       int
	checkpointPath string
	device         string
}

func main() {
	opts := &trainOptions{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the grid object detector",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraining(opts)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.dataPath, "data", "", "path to dataset YAML config")
	flags.StringVar(&opts.cfgPath, "cfg", "", "path to model config (reserved)")
	flags.StringVar(&opts.weightsPath, "weights", "", "checkpoint to resume from")
	flags.IntVar(&opts.batchSize, "batch", 16, "batch size")
	flags.IntVar(&opts.epochs, "epochs", 100, "number of training epochs")
	flags.IntVar(&opts.imageSize, "img", 640, "square input image size")
	flags.Float64Var(&opts.learningRate, "learning_rate", 0.01, "base learning rate")
	flags.Float64Var(&opts.lrDecay, "learning_rate_decay", 0.1, "learning rate decay factor")
	flags.IntVar(&opts.lrPeriod, "learning_rate_period", 50, "epochs between learning rate decays")
	flags.StringVar(&opts.checkpointPath, "checkpoint_path", "checkpoint.pt", "where to write the best checkpoint")
	flags.StringVar(&opts.device, "device", "cuda", "compute device (falls back to cpu)")
	cmd.MarkFlagRequired("data")
	cmd.MarkFlagRequired("cfg")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runTraining(opts *trainOptions) error {
	if opts.imageSize%model.BackboneStride != 0 {
		return fmt.Errorf("image size %d is not a multiple of %d", opts.imageSize, model.BackboneStride)
	}
	if opts.device != "cpu" {
		fmt.Printf("Device %q not available, using cpu\n", opts.device)
	}

	cfg, err := dataset.LoadConfig(opts.dataPath)
	if err != nil {
		return err
	}
	fmt.Printf("Dataset: %d classes, train %s, val %s\n", cfg.NumClasses, cfg.TrainImages, cfg.ValImages)

	trainSet, err := dataset.NewDetectionDataset(cfg.TrainImages, cfg.TrainLabels, opts.imageSize)
	if err != nil {
		return fmt.Errorf("failed to open training set: %w", err)
	}
	validSet, err := dataset.NewDetectionDataset(cfg.ValImages, cfg.ValLabels, opts.imageSize)
	if err != nil {
		return fmt.Errorf("failed to open validation set: %w", err)
	}
	fmt.Printf("Samples: %d train, %d validation\n", trainSet.Len(), validSet.Len())

	trainLoader, err := training.NewDataLoader(trainSet, training.DataLoaderConfig{
		BatchSize: opts.batchSize,
		Shuffle:   true,
	})
	if err != nil {
		return err
	}
	validLoader, err := training.NewDataLoader(validSet, training.DataLoaderConfig{
		BatchSize: opts.batchSize,
		Shuffle:   false,
	})
	if err != nil {
		return err
	}

	detector, err := model.NewDetector(cfg.NumClasses, model.DefaultAnchorsPerCell)
	if err != nil {
		return fmt.Errorf("failed to build detector: %w", err)
	}

	optimizer, err := training.NewSGD(detector.Parameters(), training.SGDConfig{
		LearningRate: opts.learningRate,
		Momentum:     0.9,
	})
	if err != nil {
		return err
	}

	if opts.weightsPath != "" {
		ckpt, err := checkpoints.Load(opts.weightsPath)
		if err != nil {
			return err
		}
		if err := checkpoints.ApplyToParameters(ckpt.ModelState, detector.Parameters()); err != nil {
			return fmt.Errorf("failed to restore weights: %w", err)
		}
		if err := optimizer.LoadStateSnapshot(ckpt.OptimizerState); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %w", err)
		}
		fmt.Printf("Resumed from %s (epoch %d)\n", opts.weightsPath, ckpt.Epoch)
	}

	scheduler := training.NewStepLRScheduler(opts.lrPeriod, opts.lrDecay)

	trainer, err := training.NewTrainer(detector, optimizer, training.NewZeroTargetMSE(), scheduler, training.TrainerConfig{
		Epochs:         opts.epochs,
		PrintEvery:     10,
		CheckpointPath: opts.checkpointPath,
		BaseLR:         opts.learningRate,
	})
	if err != nil {
		return err
	}

	return trainer.Fit(trainLoader, validLoader)
}
