package pipelines

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/imgclass/backends"
	"github.com/knights-analytics/imgclass/util/safeconv"
)

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	Model            *backends.Model
	NormalizeTimings *timings
	InferTimings     *timings
	ResolveTimings   *timings
	PipelineName     string
}

type PipelineBatchOutput interface {
	GetOutput() []any
}

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStatistics() PipelineStatistics         // Get the pipeline running statistics
	GetStats() []string                        // Get the pipeline running stats as printable lines
	Validate() error                           // Validate the pipeline for correctness
	GetModel() *backends.Model                 // Return the model used by the pipeline
	Run([]string) (PipelineBatchOutput, error) // Run the pipeline on an input
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T) error

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	ModelPath    string
	Name         string
	OnnxFilename string
	LabelsPath   string
	Options      []PipelineOption[T]
}

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

func (t *timings) record(start time.Time) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

func (t *timings) load() (uint64, uint64) {
	return atomic.LoadUint64(&t.NumCalls), atomic.LoadUint64(&t.TotalNS)
}

type StageStatistics struct {
	TotalTime      time.Duration
	ExecutionCount uint64
	AvgQueryTime   time.Duration
}

func newStageStatistics(t *timings) StageStatistics {
	calls, total := t.load()
	return StageStatistics{
		TotalTime:      safeconv.U64ToDuration(total),
		ExecutionCount: calls,
		AvgQueryTime:   safeconv.AverageDuration(total, calls),
	}
}

type PipelineStatistics struct {
	Normalize StageStatistics
	Inference StageStatistics
	Resolve   StageStatistics
}

// NewBasePipeline checks that the model handle exists and sets up the stage timings.
func NewBasePipeline[T Pipeline](config PipelineConfig[T], model *backends.Model) (*BasePipeline, error) {
	if model == nil {
		return nil, fmt.Errorf("pipeline %s: model is nil", config.Name)
	}
	return &BasePipeline{
		Model:            model,
		PipelineName:     config.Name,
		NormalizeTimings: &timings{},
		InferTimings:     &timings{},
		ResolveTimings:   &timings{},
	}, nil
}

func (p *BasePipeline) GetModel() *backends.Model {
	return p.Model
}

func (p *BasePipeline) GetStatistics() PipelineStatistics {
	return PipelineStatistics{
		Normalize: newStageStatistics(p.NormalizeTimings),
		Inference: newStageStatistics(p.InferTimings),
		Resolve:   newStageStatistics(p.ResolveTimings),
	}
}

func (p *BasePipeline) GetStats() []string {
	stats := p.GetStatistics()
	line := func(stage string, s StageStatistics) string {
		return fmt.Sprintf("%s: Total time=%s, Execution count=%d, Average query time=%s",
			stage, s.TotalTime, s.ExecutionCount, s.AvgQueryTime)
	}
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		line("Normalize", stats.Normalize),
		line("ONNX", stats.Inference),
		line("Resolve", stats.Resolve),
	}
}
