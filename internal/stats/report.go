package stats

import (
	"context"
	"io"
	"log/slog"

	"github.com/fidde/cube_planner/internal/metadata"
)

// Report prints every segment in order. A segment whose statistics cannot
// be read is logged and skipped; Report returns the number printed and only
// fails when the writer does.
func Report(ctx context.Context, w io.Writer, segments []*metadata.Segment, cfg Config, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	printed := 0
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return printed, err
		}
		r, err := Open(ctx, seg, cfg)
		if err != nil {
			logger.Warn("statistics for segment failed, skip it",
				"segment", seg.String(),
				"path", seg.StatisticsPath(),
				"error", err)
			continue
		}
		if err := r.Print(w); err != nil {
			return printed, err
		}
		printed++
	}
	return printed, nil
}
