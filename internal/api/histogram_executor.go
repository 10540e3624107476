package api

import (
	"context"
	"fmt"
	"math"

	"github.com/astroview/server/internal/jobstore"
	"github.com/astroview/server/internal/region"
	"github.com/astroview/server/internal/stats"
)

// HistogramExecutor builds the default job executor: per-channel
// histograms over a channel range of one dataset, optionally masked by
// the region spec carried in the job parameters. Jobs never touch
// session state, so cancelling or closing sessions cannot strand a
// running job. Results are inserted in one transaction after the last
// channel so a cancelled job leaves no partial rows.
func HistogramExecutor(reg *Registry) func(ctx context.Context, store *jobstore.Store, jobID string) error {
	return func(ctx context.Context, store *jobstore.Store, jobID string) error {
		job, err := store.GetJob(jobID)
		if err != nil {
			return fmt.Errorf("load job %s: %w", jobID, err)
		}
		if job == nil {
			return fmt.Errorf("job %s not found", jobID)
		}

		src := reg.Get(job.Params.DatasetID)
		if src == nil {
			return fmt.Errorf("dataset %s not found", job.Params.DatasetID)
		}
		shape := src.Shape()

		first := job.Params.ChannelStart
		if first < 0 {
			first = 0
		}
		last := job.Params.ChannelEnd
		if last < 0 || last >= shape.Channels {
			last = shape.Channels - 1
		}
		if first > last {
			return fmt.Errorf("empty channel range %d..%d", first, last)
		}

		numBins := job.Params.NumBins
		if numBins <= 0 {
			numBins = stats.DefaultNumBins(shape.Width, shape.Height)
		}

		var mask *region.Mask
		if spec := job.Params.Region; spec != nil {
			rtype, ok := region.ParseType(spec.Type)
			if !ok {
				return fmt.Errorf("unknown region type %q", spec.Type)
			}
			r, err := region.New(1, region.State{
				Type:     rtype,
				Points:   spec.Points,
				Rotation: spec.Rotation,
			})
			if err != nil {
				return fmt.Errorf("job region: %w", err)
			}
			mask, err = r.GetPixelMask(region.ImageShape{Width: shape.Width, Height: shape.Height})
			if err != nil {
				return fmt.Errorf("job region: %w", err)
			}
		}

		total := last - first + 1
		results := make([]*jobstore.ChannelResult, 0, total)
		for ch := first; ch <= last; ch++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			plane, err := src.ReadSlice(ctx, ch, job.Params.Stokes)
			if err != nil {
				return fmt.Errorf("read channel %d: %w", ch, err)
			}
			min, max, _, err := stats.MinMax(ctx, plane, shape.Width, shape.Height, mask)
			if err != nil {
				return err
			}
			if math.IsNaN(min) {
				min, max = 0, 0
			}
			hist, err := stats.ComputeHistogram(ctx, plane, shape.Width, shape.Height, mask, numBins, min, max)
			if err != nil {
				return err
			}
			results = append(results, &jobstore.ChannelResult{Channel: ch, Histogram: hist})

			if err := store.UpdateJobProgress(jobID, "histogram", ch-first+1, total); err != nil {
				return err
			}
		}

		return store.InsertResults(jobID, results)
	}
}
