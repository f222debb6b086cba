package codefix

import (
	"go.uber.org/zap"
)

// Pipeline runs Sanitize, Neutralize and RepairIfIncomplete in order.
type Pipeline struct {
	logger *zap.Logger
	check  SyntaxCheck
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for stage diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithSyntaxCheck replaces the trial compile used by the completeness repair.
func WithSyntaxCheck(check SyntaxCheck) Option {
	return func(p *Pipeline) {
		p.check = check
	}
}

// NewPipeline creates a Pipeline using goja for trial compiles by default.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		logger: zap.NewNop(),
		check:  CheckSyntax,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Preprocess returns code after all three stages.
func (p *Pipeline) Preprocess(code string) string {
	sanitized := Sanitize(code)
	neutralized := Neutralize(sanitized)
	completed := p.RepairIfIncomplete(neutralized)

	p.logger.Debug("code preprocessed",
		zap.Bool("sanitized", sanitized != code),
		zap.Bool("neutralized", neutralized != sanitized),
		zap.Bool("completed", completed != neutralized),
		zap.Int("input_len", len(code)),
		zap.Int("output_len", len(completed)))

	return completed
}

// RepairIfIncomplete is RepairIfIncomplete using the pipeline's syntax check.
func (p *Pipeline) RepairIfIncomplete(code string) string {
	return repairIfIncomplete(code, p.check)
}
