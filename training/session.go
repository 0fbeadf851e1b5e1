package training

import (
	"fmt"
	"math"
	"time"
)

// EpochRunner executes one epoch in the given mode and returns the epoch
// loss. The task-specific drivers (RunUVEpoch, RunHeatmapEpoch,
// RunHeatmapSegEpoch) are wrapped into this interface by the caller, which
// keeps the session loop independent of the supervision flavor.
type EpochRunner interface {
	RunEpoch(mode Mode, epoch int) (float64, error)
}

// EpochRunnerFunc adapts a plain function to the EpochRunner interface.
type EpochRunnerFunc func(mode Mode, epoch int) (float64, error)

func (f EpochRunnerFunc) RunEpoch(mode Mode, epoch int) (float64, error) {
	return f(mode, epoch)
}

// SessionConfig holds configuration for a multi-epoch training session.
type SessionConfig struct {
	Epochs        int
	ValidateEvery int         // Run validation every N epochs (0 = no validation)
	EarlyStopping bool        // Stop when validation loss stalls
	Patience      int         // Epochs to wait for improvement before stopping
	Scheduler     LRScheduler // Optional, applied before every training epoch
	Reporter      Reporter    // Optional, receives the learning rate series
	Quiet         bool        // Suppress the per-epoch console summary

	// CheckpointFn is called whenever the validation loss improves. With
	// validation disabled it is called after every training epoch instead.
	CheckpointFn func(epoch int, loss float64) error
}

// EpochRecord holds the outcome of a single session epoch.
type EpochRecord struct {
	Epoch        int
	TrainLoss    float64
	ValidLoss    float64
	LearningRate float64
	Duration     time.Duration
	Validated    bool
}

// Session manages the multi-epoch training process: learning rate
// scheduling, validation cadence, early stopping, and checkpoint triggers.
type Session struct {
	runner    EpochRunner
	optimizer Optimizer
	config    SessionConfig
	baseLR    float64
	history   []EpochRecord
	stopped   bool
}

// NewSession creates a session around an epoch runner and the optimizer it
// drives. The optimizer's learning rate at construction time becomes the
// scheduler's base rate.
func NewSession(runner EpochRunner, optimizer Optimizer, config SessionConfig) (*Session, error) {
	if runner == nil {
		return nil, fmt.Errorf("epoch runner cannot be nil")
	}
	if optimizer == nil {
		return nil, fmt.Errorf("optimizer cannot be nil")
	}
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.ValidateEvery < 0 {
		return nil, fmt.Errorf("validate-every cannot be negative, got %d", config.ValidateEvery)
	}
	if config.EarlyStopping {
		if config.ValidateEvery == 0 {
			return nil, fmt.Errorf("early stopping requires validation")
		}
		if config.Patience <= 0 {
			config.Patience = 10
		}
	}

	return &Session{
		runner:    runner,
		optimizer: optimizer,
		config:    config,
		baseLR:    optimizer.GetLR(),
		history:   make([]EpochRecord, 0, config.Epochs),
	}, nil
}

// Run executes the configured number of epochs, or fewer when early
// stopping triggers.
func (s *Session) Run() error {
	bestValidLoss := math.Inf(1)
	patienceCounter := 0

	for epoch := 0; epoch < s.config.Epochs; epoch++ {
		if s.config.Scheduler != nil {
			s.optimizer.SetLR(s.config.Scheduler.GetLR(epoch, 0, s.baseLR))
		}
		currentLR := s.optimizer.GetLR()
		if s.config.Reporter != nil {
			s.config.Reporter.ReportScalar("Learning rate", "lr", epoch, currentLR)
		}

		epochStart := time.Now()
		trainLoss, err := s.runner.RunEpoch(ModeTrain, epoch)
		if err != nil {
			return fmt.Errorf("training epoch %d failed: %v", epoch, err)
		}

		record := EpochRecord{
			Epoch:        epoch,
			TrainLoss:    trainLoss,
			LearningRate: currentLR,
			Duration:     time.Since(epochStart),
		}

		validate := s.config.ValidateEvery > 0 && (epoch+1)%s.config.ValidateEvery == 0
		if validate {
			validLoss, err := s.runner.RunEpoch(ModeVal, epoch)
			if err != nil {
				return fmt.Errorf("validation epoch %d failed: %v", epoch, err)
			}
			record.ValidLoss = validLoss
			record.Validated = true

			if plateau, ok := s.config.Scheduler.(*ReduceLROnPlateauScheduler); ok {
				s.optimizer.SetLR(plateau.Step(validLoss, s.optimizer.GetLR()))
			}

			if validLoss < bestValidLoss {
				bestValidLoss = validLoss
				patienceCounter = 0
				if err := s.checkpoint(epoch, validLoss); err != nil {
					return err
				}
			} else if s.config.EarlyStopping {
				patienceCounter++
				if patienceCounter >= s.config.Patience {
					s.history = append(s.history, record)
					s.printEpochSummary(record)
					if !s.config.Quiet {
						fmt.Printf("Early stopping triggered after %d epochs\n", epoch+1)
					}
					s.stopped = true
					return nil
				}
			}
		} else if s.config.ValidateEvery == 0 {
			if err := s.checkpoint(epoch, trainLoss); err != nil {
				return err
			}
		}

		s.history = append(s.history, record)
		s.printEpochSummary(record)
	}

	return nil
}

func (s *Session) checkpoint(epoch int, loss float64) error {
	if s.config.CheckpointFn == nil {
		return nil
	}
	if err := s.config.CheckpointFn(epoch, loss); err != nil {
		return fmt.Errorf("checkpoint at epoch %d failed: %v", epoch, err)
	}
	return nil
}

// printEpochSummary prints a one-line summary of the epoch results
func (s *Session) printEpochSummary(record EpochRecord) {
	if s.config.Quiet {
		return
	}
	fmt.Printf("Epoch %d/%d: Train Loss=%.4f", record.Epoch+1, s.config.Epochs, record.TrainLoss)
	if record.Validated {
		fmt.Printf(", Valid Loss=%.4f", record.ValidLoss)
	}
	fmt.Printf(", LR=%.6f, Time=%v\n", record.LearningRate, record.Duration.Round(time.Millisecond))
}

// History returns the per-epoch records accumulated so far.
func (s *Session) History() []EpochRecord {
	return s.history
}

// Stopped reports whether the session ended through early stopping.
func (s *Session) Stopped() bool {
	return s.stopped
}

// BestValidLoss returns the lowest validation loss seen during the session
// and the epoch it occurred in. The boolean is false when no epoch was
// validated.
func (s *Session) BestValidLoss() (float64, int, bool) {
	best := math.Inf(1)
	bestEpoch := -1
	for _, record := range s.history {
		if record.Validated && record.ValidLoss < best {
			best = record.ValidLoss
			bestEpoch = record.Epoch
		}
	}
	if bestEpoch < 0 {
		return 0, 0, false
	}
	return best, bestEpoch, true
}
