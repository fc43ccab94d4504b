package jobreport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink receives the serialised report.
type Sink interface {
	Name() string
	Publish(ctx context.Context, name string, data []byte) error
}

// Publisher writes a report to every sink in parallel.
type Publisher struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewPublisher creates a publisher over sinks
func NewPublisher(logger *zap.Logger, sinks ...Sink) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{sinks: sinks, logger: logger.Named("JobReport")}
}

// Sinks returns the number of configured sinks
func (p *Publisher) Sinks() int { return len(p.sinks) }

// Publish serialises the summary of r and hands it to every sink. name is
// the report name the sinks store it under. All sinks are tried; the first
// failure is returned.
func (p *Publisher) Publish(ctx context.Context, r *Report, name string) error {
	data, err := json.MarshalIndent(r.Summary(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job report: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range p.sinks {
		s := s
		g.Go(func() error {
			if err := s.Publish(gctx, name, data); err != nil {
				p.logger.Error("Failed to publish job report", zap.String("sink", s.Name()), zap.Error(err))
				return fmt.Errorf("%s sink: %w", s.Name(), err)
			}
			p.logger.Debug("Published job report", zap.String("sink", s.Name()), zap.String("name", name))
			return nil
		})
	}
	return g.Wait()
}

// FileSink writes the report as a JSON file. Relative names are resolved
// against Dir.
type FileSink struct {
	Dir string
}

func (FileSink) Name() string { return "file" }

func (s FileSink) Publish(ctx context.Context, name string, data []byte) error {
	path := name
	if !filepath.IsAbs(path) && s.Dir != "" {
		path = filepath.Join(s.Dir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
