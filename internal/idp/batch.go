package idp

import (
	"context"
	"sync"

	"uwgate/internal/broker"
	"uwgate/internal/provider"
	"uwgate/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// FileResult is the outcome for one file of a batch.
type FileResult struct {
	FileName     string
	Success      bool
	SubmissionID string
	Message      string
	Err          error
}

// Progress is called after each file finishes with the number of files
// finished so far.
type Progress func(done, total int, result FileResult)

// UploadAndProcessBatch uploads every file concurrently and returns one
// result per file in input order. The token is obtained once up front; if
// that fails nothing is uploaded. One file failing never stops the others.
// When any file failed the error is a *broker.PartialBatchFailure and the
// results are still returned.
func (c *Client) UploadAndProcessBatch(ctx context.Context, files []File, integrationSysID string, onProgress Progress) ([]FileResult, error) {
	if _, err := c.broker.GetToken(ctx, provider.IDP); err != nil {
		return nil, err
	}
	logging.Info("IDP", "Uploading batch of %d file(s)", len(files))

	results := make([]FileResult, len(files))
	var (
		mu   sync.Mutex
		done int
	)

	// plain errgroup without WithContext so a failure never cancels siblings
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)

	for i, f := range files {
		g.Go(func() error {
			res := FileResult{FileName: f.Name}
			up, proc, err := c.UploadAndProcess(ctx, f, integrationSysID)
			switch {
			case err != nil:
				res.Err = err
				if up != nil {
					res.SubmissionID = up.SubmissionID
				}
				logging.Warn("IDP", "Upload of %s failed: %v", f.Name, err)
			default:
				res.Success = true
				res.SubmissionID = up.SubmissionID
				res.Message = proc.Message
			}
			results[i] = res

			mu.Lock()
			done++
			n := done
			if onProgress != nil {
				onProgress(n, len(files), res)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for _, r := range results {
		if !r.Success {
			failed = append(failed, r.FileName)
		}
	}
	logging.Info("IDP", "Batch complete: %d succeeded, %d failed", len(files)-len(failed), len(failed))

	if len(failed) > 0 {
		return results, &broker.PartialBatchFailure{Total: len(files), Failed: failed}
	}
	return results, nil
}
