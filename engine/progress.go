package engine

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/imgdedup/internal/types"
)

// Pipeline stages reported by the tracker
const (
	StageLoad    = "load"
	StageIndex   = "index"
	StageResolve = "resolve"
	StageRewrite = "rewrite"
	StageWrite   = "write"
)

// StageStatus represents the status of a pipeline stage
type StageStatus string

const (
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

// StageProgress represents progress for a single pipeline stage
type StageProgress struct {
	Name         string
	StartTime    time.Time
	Duration     time.Duration
	Status       StageStatus
	Operations   int
	CompletedOps int
	Error        string
}

// ProgressTracker records stage timings and per-layer progress. Workers may
// report operations concurrently.
type ProgressTracker struct {
	mutex  sync.Mutex
	stages []*StageProgress
	byName map[string]*StageProgress
	logger logrus.FieldLogger
}

func NewProgressTracker(logger logrus.FieldLogger) *ProgressTracker {
	return &ProgressTracker{
		byName: make(map[string]*StageProgress),
		logger: logger,
	}
}

// StartStage starts timing a stage expected to run expectedOps operations.
func (p *ProgressTracker) StartStage(stageName string, expectedOps int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stage := &StageProgress{
		Name:       stageName,
		StartTime:  time.Now(),
		Status:     StageStatusRunning,
		Operations: expectedOps,
	}
	p.stages = append(p.stages, stage)
	p.byName[stageName] = stage

	p.logger.WithFields(logrus.Fields{
		"stage":      stageName,
		"operations": expectedOps,
	}).Debug("Starting stage")
}

// UpdateOperation marks one operation of a stage as done.
func (p *ProgressTracker) UpdateOperation(stageName string, layer int, duration time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stage, exists := p.byName[stageName]
	if !exists {
		return
	}
	stage.CompletedOps++

	p.logger.WithFields(logrus.Fields{
		"stage":    stageName,
		"layer":    layer,
		"done":     stage.CompletedOps,
		"of":       stage.Operations,
		"duration": duration.String(),
	}).Debug("Layer done")
}

// CompleteStage stops timing a stage. A non-nil err marks it failed.
func (p *ProgressTracker) CompleteStage(stageName string, err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stage, exists := p.byName[stageName]
	if !exists {
		return
	}
	stage.Duration = time.Since(stage.StartTime)
	stage.Status = StageStatusCompleted
	if err != nil {
		stage.Status = StageStatusFailed
		stage.Error = err.Error()
	}

	p.logger.WithFields(logrus.Fields{
		"stage":    stageName,
		"status":   stage.Status,
		"duration": stage.Duration.String(),
	}).Info("Stage finished")
}

// Summary returns the stages in the order they were started.
func (p *ProgressTracker) Summary() []types.StageSummary {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	summary := make([]types.StageSummary, 0, len(p.stages))
	for _, s := range p.stages {
		summary = append(summary, types.StageSummary{
			Name:     s.Name,
			Duration: s.Duration,
			Status:   string(s.Status),
		})
	}
	return summary
}
