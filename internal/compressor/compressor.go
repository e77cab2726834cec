package compressor

import (
	"context"
	"time"

	"squeezer-go/internal/config"
)

// Result actions.
const (
	ActionCompressed = "compressed"
	ActionOriginal   = "original"
	ActionValidated  = "validated"
	ActionSkipped    = "skipped"
	ActionError      = "error"
)

// DefaultSuffix is appended to output names written beside their source.
const DefaultSuffix = "-optimized"

// CompressionParams defines parameters for the image compression process.
type CompressionParams struct {
	InputPaths           []string
	TargetDir            string
	Suffix               string
	Quality              float64
	Overwrite            bool
	KeepOriginalIfLarger bool
	PreserveMetadata     bool
	SkipOptimized        bool
	Formats              []string
	Workers              int
}

// CompressionResult describes the result of compressing a single file.
type CompressionResult struct {
	InputPath       string    `json:"input_path"`
	OutputPath      string    `json:"output_path,omitempty"`
	Format          string    `json:"format,omitempty"`
	OriginalSize    int64     `json:"original_size"`
	CompressedSize  int64     `json:"compressed_size"`
	PercentageSaved float64   `json:"percentage_saved"`
	Action          string    `json:"action"`
	Message         string    `json:"message,omitempty"`
	Success         bool      `json:"success"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Error           error     `json:"-"`
}

// Compressor defines the interface for image compression.
type Compressor interface {
	// Compress processes a list of files or directories according to the parameters.
	// Returns one result per file in input order; a failing file never
	// aborts the batch.
	Compress(ctx context.Context, params CompressionParams) ([]CompressionResult, error)
	// CompressFile processes exactly one file.
	CompressFile(ctx context.Context, path string, params CompressionParams) CompressionResult
	// OutputFor returns the path CompressFile writes for input. Distinct
	// inputs never share an output path.
	OutputFor(input string, params CompressionParams) string
}

// ParamsFromConfig builds compression parameters from the settings record.
func ParamsFromConfig(cfg *config.Config, inputs ...string) CompressionParams {
	return CompressionParams{
		InputPaths:           inputs,
		TargetDir:            cfg.OutputDirectory,
		Suffix:               cfg.OutputSuffix,
		Quality:              cfg.Quality,
		Overwrite:            cfg.Processing.OverwriteOriginals,
		KeepOriginalIfLarger: cfg.Processing.KeepOriginalIfLarger,
		PreserveMetadata:     cfg.Processing.PreserveMetadata,
		SkipOptimized:        cfg.Processing.SkipOptimized,
		Formats:              cfg.SupportedExtensions,
		Workers:              cfg.Performance.WorkerThreads,
	}
}
