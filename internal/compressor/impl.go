package compressor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"squeezer-go/internal/apperr"
	"squeezer-go/internal/codec"
	"squeezer-go/internal/extractor"
	"squeezer-go/internal/logger"
)

// tmpSuffix marks partially written outputs.
const tmpSuffix = ".tmp"

// DefaultCompressor is the default implementation of the Compressor interface.
type DefaultCompressor struct {
	dispatcher *codec.Dispatcher
	marks      extractor.MarkReader
	metadata   MetadataWriter
	log        *logrus.Logger

	outMu   sync.Mutex
	outputs map[string]string // output path -> input that owns it
}

// Option configures a DefaultCompressor.
type Option func(*DefaultCompressor)

// WithDispatcher replaces the format dispatcher.
func WithDispatcher(d *codec.Dispatcher) Option {
	return func(c *DefaultCompressor) { c.dispatcher = d }
}

// WithMarkReader sets the reader used to skip already optimized files.
func WithMarkReader(r extractor.MarkReader) Option {
	return func(c *DefaultCompressor) { c.marks = r }
}

// WithMetadataWriter sets the writer used when metadata is preserved.
// A nil writer disables metadata handling.
func WithMetadataWriter(w MetadataWriter) Option {
	return func(c *DefaultCompressor) { c.metadata = w }
}

// NewDefaultCompressor creates a new DefaultCompressor instance.
func NewDefaultCompressor(log *logrus.Logger, opts ...Option) *DefaultCompressor {
	c := &DefaultCompressor{
		dispatcher: codec.NewDispatcher(),
		metadata:   NewExiftoolMetadata(),
		log:        log,
		outputs:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.marks == nil {
		c.marks = extractor.NewEXIFMarkReader(log)
	}
	return c
}

// Dispatcher returns the format dispatcher in use.
func (c *DefaultCompressor) Dispatcher() *codec.Dispatcher {
	return c.dispatcher
}

// MarkCacheStats reports the mark reader's cache counters. The second
// result is false when the reader keeps no cache.
func (c *DefaultCompressor) MarkCacheStats() (extractor.CacheStats, bool) {
	cached, ok := c.marks.(extractor.CachedMarkReader)
	if !ok {
		return extractor.CacheStats{}, false
	}
	return cached.GetCacheStats(), true
}

// ClearMarkCache forgets every cached mark lookup.
func (c *DefaultCompressor) ClearMarkCache() {
	if cached, ok := c.marks.(extractor.CachedMarkReader); ok {
		cached.ClearCache()
	}
}

// Close stops the exiftool process the mark reader may have started.
func (c *DefaultCompressor) Close() error {
	if closer, ok := c.marks.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Compress performs image compression according to the provided parameters.
func (c *DefaultCompressor) Compress(ctx context.Context, params CompressionParams) ([]CompressionResult, error) {
	files, err := c.collectImageFiles(params)
	if err != nil {
		return nil, fmt.Errorf("collect files: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	if params.TargetDir != "" && !params.Overwrite {
		if err := os.MkdirAll(params.TargetDir, 0755); err != nil {
			return nil, apperr.New(apperr.KindWriteFailed, params.TargetDir, err)
		}
	}

	// Claim outputs in input order so that name clashes under TargetDir
	// resolve the same way on every run.
	for _, f := range files {
		c.OutputFor(f, params)
	}

	numWorkers := params.Workers
	if numWorkers <= 0 {
		numWorkers = max(runtime.NumCPU(), 2)
	}
	numWorkers = min(numWorkers, len(files))

	type job struct {
		index int
		path  string
	}
	type result struct {
		index int
		res   CompressionResult
	}

	jobs := make(chan job, len(files))
	results := make(chan result, len(files))

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- result{index: j.index, res: c.CompressFile(ctx, j.path, params)}
			}
		}()
	}

	for i, path := range files {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()
	close(results)

	resArr := make([]CompressionResult, len(files))
	for r := range results {
		resArr[r.index] = r.res
	}
	return resArr, nil
}

// collectImageFiles expands directories into supported files. Explicitly
// named files are always kept so that missing or unsupported inputs are
// reported in the results. Outputs written beside their source are left
// out of directory walks.
func (c *DefaultCompressor) collectImageFiles(params CompressionParams) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})
	add := func(path string) {
		path = filepath.Clean(path)
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	extSet := make(map[string]struct{})
	for _, f := range params.Formats {
		extSet[strings.ToLower(f)] = struct{}{}
	}
	besideSource := !params.Overwrite && params.TargetDir == ""
	wanted := func(path string) bool {
		if isTempOutput(path) || !c.dispatcher.Supports(path) {
			return false
		}
		if besideSource && IsOutputName(path, params.Suffix) {
			return false
		}
		if len(extSet) == 0 {
			return true
		}
		_, ok := extSet[strings.ToLower(filepath.Ext(path))]
		return ok
	}

	for _, in := range params.InputPaths {
		info, err := os.Stat(in)
		if err != nil || !info.IsDir() {
			add(in)
			continue
		}
		err = filepath.WalkDir(in, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				c.log.Warnf("Error accessing path %s: %v", path, err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if wanted(path) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// CompressFile compresses a single file and returns a CompressionResult.
func (c *DefaultCompressor) CompressFile(ctx context.Context, inputPath string, params CompressionParams) CompressionResult {
	res := CompressionResult{
		InputPath: inputPath,
		StartedAt: time.Now(),
	}
	log := logger.WithFileOperation(c.log, inputPath, "compress")

	fail := func(err error) CompressionResult {
		res.Action = ActionError
		res.Error = err
		res.Message = err.Error()
		res.Success = false
		res.FinishedAt = time.Now()
		log.Errorf("Compression error: %s", res.Message)
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(apperr.New(apperr.KindCancelled, inputPath, err))
	}

	info, err := os.Stat(inputPath)
	if err != nil {
		return fail(apperr.New(apperr.KindFileNotFound, inputPath, err))
	}
	if info.IsDir() {
		return fail(apperr.New(apperr.KindUnsupportedFormat, inputPath, errors.New("is a directory")))
	}
	res.OriginalSize = info.Size()

	cd, err := c.dispatcher.ForPath(inputPath)
	if err != nil {
		return fail(err)
	}
	res.Format = cd.Format().String()

	if params.SkipOptimized && c.marks != nil && c.marks.SupportsFile(inputPath) {
		if marked, err := c.marks.IsOptimized(inputPath); err == nil && marked {
			res.Action = ActionSkipped
			res.Message = "Already optimized"
			res.OutputPath = inputPath
			res.CompressedSize = res.OriginalSize
			res.Success = true
			res.FinishedAt = time.Now()
			log.Debug("Skipping already optimized file")
			return res
		}
	}

	src, err := os.ReadFile(inputPath)
	if err != nil {
		return fail(apperr.New(apperr.KindFileNotFound, inputPath, err))
	}

	out, err := cd.Optimize(src, codec.Options{Quality: params.Quality})
	if err != nil {
		return fail(withPath(err, inputPath))
	}

	switch {
	case !cd.Reencodes():
		res.Action = ActionValidated
		res.Message = fmt.Sprintf("%s signature verified, kept as is", res.Format)
	case len(out) >= len(src) && params.KeepOriginalIfLarger:
		out = src
		res.Action = ActionOriginal
		res.Message = "Compressed file not smaller than original, saved original"
	default:
		res.Action = ActionCompressed
		res.Message = "Image compressed"
	}

	outPath := c.OutputFor(inputPath, params)
	res.OutputPath = outPath

	if outPath == filepath.Clean(inputPath) && res.Action != ActionCompressed {
		// Nothing changed and the output would replace the input.
		res.CompressedSize = res.OriginalSize
		res.Success = true
		res.FinishedAt = time.Now()
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(apperr.New(apperr.KindCancelled, inputPath, err))
	}

	tmpPath := outPath + tmpSuffix
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fail(apperr.New(apperr.KindWriteFailed, outPath, err))
	}
	if err := os.WriteFile(tmpPath, out, info.Mode().Perm()); err != nil {
		_ = os.Remove(tmpPath)
		return fail(apperr.New(apperr.KindWriteFailed, outPath, err))
	}

	if params.PreserveMetadata && res.Action == ActionCompressed && cd.Format() == codec.FormatJPEG && c.metadata != nil {
		if err := c.metadata.CopyAndMark(ctx, inputPath, tmpPath); err != nil {
			res.Message = fmt.Sprintf("%s (warning: metadata not copied: %v)", res.Message, err)
			log.Warnf("Metadata not copied: %v", err)
		}
	}

	compInfo, err := os.Stat(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return fail(apperr.New(apperr.KindWriteFailed, outPath, err))
	}
	if res.Action == ActionCompressed && params.KeepOriginalIfLarger && compInfo.Size() >= res.OriginalSize {
		// Copied metadata outgrew the savings.
		if err := os.WriteFile(tmpPath, src, info.Mode().Perm()); err != nil {
			_ = os.Remove(tmpPath)
			return fail(apperr.New(apperr.KindWriteFailed, outPath, err))
		}
		res.Action = ActionOriginal
		res.Message = "Compressed file with metadata not smaller than original, saved original"
		if compInfo, err = os.Stat(tmpPath); err != nil {
			_ = os.Remove(tmpPath)
			return fail(apperr.New(apperr.KindWriteFailed, outPath, err))
		}
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return fail(apperr.New(apperr.KindWriteFailed, outPath, err))
	}

	res.CompressedSize = compInfo.Size()
	if res.OriginalSize > 0 && res.CompressedSize < res.OriginalSize {
		res.PercentageSaved = float64(res.OriginalSize-res.CompressedSize) * 100 / float64(res.OriginalSize)
	}
	res.Success = true
	res.FinishedAt = time.Now()
	log.WithFields(logrus.Fields{
		"action": res.Action,
		"before": res.OriginalSize,
		"after":  res.CompressedSize,
	}).Info("Image processed")
	return res
}

// OutputPath returns where the result for input is written.
func OutputPath(input string, params CompressionParams) string {
	input = filepath.Clean(input)
	if params.Overwrite {
		return input
	}
	if params.TargetDir != "" {
		return filepath.Join(params.TargetDir, filepath.Base(input))
	}
	suffix := params.Suffix
	if suffix == "" {
		suffix = DefaultSuffix
	}
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + suffix + ext
}

// OutputFor returns where this compressor writes the result for input.
// It matches OutputPath unless another input already owns that name under
// TargetDir, in which case a numbered name is used instead.
func (c *DefaultCompressor) OutputFor(input string, params CompressionParams) string {
	path := OutputPath(input, params)
	if params.Overwrite || params.TargetDir == "" {
		return path
	}
	input = filepath.Clean(input)

	c.outMu.Lock()
	defer c.outMu.Unlock()
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 2; ; n++ {
		owner, taken := c.outputs[path]
		if !taken || owner == input {
			c.outputs[path] = input
			return path
		}
		path = fmt.Sprintf("%s-%d%s", stem, n, ext)
	}
}

// IsOutputName reports whether path looks like an output written beside
// its source with suffix.
func IsOutputName(path, suffix string) bool {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	base := filepath.Base(path)
	return strings.HasSuffix(strings.TrimSuffix(base, filepath.Ext(base)), suffix)
}

func isTempOutput(path string) bool {
	return strings.HasSuffix(path, tmpSuffix)
}

// withPath fills in the path of a classified error returned by a codec.
func withPath(err error, path string) error {
	var e *apperr.Error
	if errors.As(err, &e) && e.Path == "" {
		return apperr.New(e.Kind, path, e.Err)
	}
	return err
}
