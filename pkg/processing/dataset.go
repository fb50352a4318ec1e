package processing

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/retry"
	"github.com/cuemby/burrow/pkg/types"
)

// checkDataset verifies the dataset URL may still be used at now. An empty
// expiry means the URL is not time-boxed.
func checkDataset(file types.DatasetFile, now time.Time) error {
	if file.AllowPublicAccess != nil && !*file.AllowPublicAccess {
		return fault.New(fault.KindJob, "processing/DATASET_ACCESS_DENIED", "Dataset public access is not allowed.")
	}
	if file.PublicURLExpiresAt == "" {
		return nil
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, file.PublicURLExpiresAt)
	if err != nil {
		return fault.Wrap(fault.KindJob, "processing/INVALID_DATASET_EXPIRATION", err, "Dataset URL expiration date is malformed.")
	}
	if !now.Before(expiresAt) {
		return fault.Newf(fault.KindJob, "processing/DATASET_EXPIRED", "Dataset URL expired at %s.", expiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// fetchDataset downloads the dataset into the input directory. The URL is
// re-validated before every attempt; an expired or forbidden URL stops
// retrying at once.
func (e *Engine) fetchDataset(ctx context.Context, p *types.Processing, layout Layout) (string, error) {
	file := p.Dataset.File
	dst := filepath.Join(layout.InputDir, file.Filename)

	if _, err := os.Stat(layout.InputDir); err != nil {
		return "", fault.Wrap(fault.KindJob, "processing/MISSING_DIRECTORY", err, "Input directory does not exist.")
	}

	err := e.cfg.Retry.Do(ctx, "processing/DOWNLOAD_DATASET", func(ctx context.Context, _ int) error {
		if err := checkDataset(file, e.cfg.Now()); err != nil {
			return retry.Permanent(err)
		}

		n, err := e.transfers.Download(ctx, file.PublicURL, dst)
		if err != nil {
			if !api.Retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		if n == 0 {
			return fault.New(fault.KindJob, "processing/EMPTY_DATASET", "Downloaded dataset is empty.")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	info, err := os.Stat(dst)
	if err != nil || info.Size() == 0 {
		return "", fault.Newf(fault.KindJob, "processing/MISSING_FILE", "Failed to download dataset for processing id %s.", p.ID)
	}
	return dst, nil
}
