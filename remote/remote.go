// Package remote implements optional archival of deeply-compacted TSM
// column files and their tombstone sidecars to an S3-compatible bucket.
//
// Rather than wrapping every file-system call transparently behind a
// vfs.FS, Tier exposes two direct operations the compactor and vnode
// controller call explicitly once a file is already fsynced on local
// disk, and it only ever sees TSM and tombstone paths — WAL segments and
// the summary log never reach this package, so no suffix-skip filter is
// needed at the call site.
package remote

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	tkerrors "github.com/tskvdb/tskv/errors"
)

// Config describes where archived files land.
type Config struct {
	Bucket string
	Prefix string
	Region string

	// MinLevel is the lowest compaction level eligible for archival; files
	// below it are still being actively merged and stay local-only.
	MinLevel int
}

// Uploader is the subset of Tier the compaction package depends on, so
// tests can substitute a fake without touching AWS.
type Uploader interface {
	ShouldArchive(level int) bool
	Upload(ctx context.Context, localPath string) error
	Delete(ctx context.Context, localPath string) error
}

// Tier archives fsynced local files to S3 and deletes their remote copy
// when the local file is evicted.
type Tier struct {
	cfg      Config
	uploader *s3manager.Uploader
	client   *s3.S3
}

// NewTier builds a Tier backed by a real AWS session for cfg.Region (empty
// defaults to the SDK's own resolution chain).
func NewTier(cfg Config) (*Tier, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "remote: open aws session")
	}
	return &Tier{
		cfg:      cfg,
		uploader: s3manager.NewUploader(sess),
		client:   s3.New(sess),
	}, nil
}

// ShouldArchive reports whether a file at level is eligible for archival.
// WAL segments and the summary log are never passed to this method at all;
// level is meaningful only for TSM files.
func (t *Tier) ShouldArchive(level int) bool { return level >= t.cfg.MinLevel }

func (t *Tier) key(localPath string) string {
	name := filepath.Base(localPath)
	if suffix(name, ".wal") || suffix(name, ".log") || suffix(name, ".tmp") {
		name = "skipped/" + name // never reached in practice; defensive naming only
	}
	return strings.TrimSuffix(t.cfg.Prefix, "/") + "/" + name
}

func suffix(name, suf string) bool { return strings.HasSuffix(name, suf) }

// Upload streams localPath's current contents to the bucket under a key
// derived from its base name. The caller is responsible for calling this
// only after the file has been fsynced and will not be appended to again
// (deeply-compacted TSM files and their tombstone sidecars).
func (t *Tier) Upload(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "remote: open %s for upload", localPath)
	}
	defer f.Close()

	_, err = t.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Body:   f,
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(t.key(localPath)),
	})
	if err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "remote: upload %s", localPath)
	}
	return nil
}

// Delete removes localPath's archived copy, issued before the local unlink
// so a crash between the two never leaves an orphaned S3 object referenced
// by nothing.
func (t *Tier) Delete(ctx context.Context, localPath string) error {
	_, err := t.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(t.key(localPath)),
	})
	if err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "remote: delete %s", localPath)
	}
	return nil
}
