package validate

import (
	"context"
	"fmt"

	"docmigrate/internal/driver"
	"docmigrate/internal/progress"

	"go.uber.org/zap"
)

// DefaultSampleLimit bounds the missing ids collected by a membership check
const DefaultSampleLimit = 100

// Result is the outcome of a post-migration check. Matched compares counts only, so equal counts do
// not prove that every record was migrated. The membership fields are set when membership checking
// is enabled and never change Matched.
type Result struct {
	Matched           bool
	SourceCount       int64
	DestinationCount  int64
	Message           string
	MembershipChecked bool
	MembershipMessage string
	Missing           []string
}

// Summary converts the result for the progress event stream
func (r Result) Summary() progress.ValidationSummary {
	return progress.ValidationSummary{
		Matched:           r.Matched,
		SourceCount:       r.SourceCount,
		DestinationCount:  r.DestinationCount,
		Message:           r.Message,
		MembershipChecked: r.MembershipChecked,
		MembershipMessage: r.MembershipMessage,
		Missing:           append([]string(nil), r.Missing...),
	}
}

// Options controls the optional membership diff
type Options struct {
	Membership  bool
	SampleLimit int
	PageSize    int
}

// Validator compares a destination container against its source
type Validator struct {
	src     driver.Container
	dst     driver.Container
	options Options
	logger  *zap.Logger
}

// New creates a validator. src is only read when membership checking is enabled.
func New(src, dst driver.Container, options Options, logger *zap.Logger) *Validator {
	if options.SampleLimit <= 0 {
		options.SampleLimit = DefaultSampleLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{src: src, dst: dst, options: options, logger: logger}
}

// Validate compares sourceCount with the destination's record count. A mismatch is reported in the
// result; the error is only set when the destination (or source) cannot be read.
func (v *Validator) Validate(ctx context.Context, sourceCount int64) (Result, error) {
	dstCount, err := v.dst.Count(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to count destination records: %w", err)
	}

	res := Result{
		Matched:          sourceCount == dstCount,
		SourceCount:      sourceCount,
		DestinationCount: dstCount,
	}
	if res.Matched {
		res.Message = "Data verification successful."
	} else {
		res.Message = fmt.Sprintf("Data verification failed. Source has %d items, but destination has %d items.", sourceCount, dstCount)
	}

	if v.options.Membership && v.src != nil {
		missing, err := v.missing(ctx)
		if err != nil {
			return res, err
		}
		res.MembershipChecked = true
		res.Missing = missing
		res.MembershipMessage = membershipMessage(len(missing), v.options.SampleLimit)
	}

	v.logger.Info("Validation finished",
		zap.Bool("matched", res.Matched),
		zap.Int64("source_count", res.SourceCount),
		zap.Int64("destination_count", res.DestinationCount),
		zap.Int("missing", len(res.Missing)),
	)

	return res, nil
}

// HasMissing reports whether the membership check found source records absent from the destination
func (r Result) HasMissing() bool {
	return r.MembershipChecked && len(r.Missing) > 0
}

func membershipMessage(missing, limit int) string {
	switch {
	case missing == 0:
		return "Membership check passed. Every source record exists in the destination."
	case missing >= limit:
		return fmt.Sprintf("Membership check failed. At least %d source records are missing from the destination.", missing)
	default:
		return fmt.Sprintf("Membership check failed. %d source records are missing from the destination.", missing)
	}
}

// missing streams the source and collects ids absent from the destination, up to the sample limit
func (v *Validator) missing(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recCh, errCh := v.src.ReadAll(ctx, v.options.PageSize)

	var missing []string
	for rec := range recCh {
		ok, err := v.dst.Exists(ctx, rec)
		if err != nil {
			cancel()
			drain(recCh)
			return nil, fmt.Errorf("failed to check record %s: %w", rec.ID, err)
		}
		if ok {
			continue
		}
		missing = append(missing, rec.ID)
		if len(missing) >= v.options.SampleLimit {
			cancel()
			drain(recCh)
			return missing, nil
		}
	}

	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("failed to read source records: %w", err)
	}
	return missing, nil
}

func drain(ch <-chan driver.Record) {
	for range ch {
	}
}
