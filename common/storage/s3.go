package storage

import (
	"context"
	"os"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ObjectPutter is the subset of the S3 client used by the S3Provider.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Provider archives job results into an AWS S3 bucket, under the keys <prefix>/<job id>/<relative path>.
type S3Provider struct {
	*baseProvider

	client ObjectPutter
	bucket string
	prefix string
	region string
}

func NewS3Provider(bucket string, prefix string, region string) *S3Provider {
	return &S3Provider{
		baseProvider: newBaseProvider(),
		bucket:       bucket,
		prefix:       prefix,
		region:       region,
	}
}

// NewS3ProviderWithClient creates a connected S3Provider that uses the given client.
func NewS3ProviderWithClient(client ObjectPutter, bucket string, prefix string) *S3Provider {
	provider := NewS3Provider(bucket, prefix, "")
	provider.client = client
	provider.status = Connected

	return provider
}

func (p *S3Provider) Connect(ctx context.Context) error {
	p.logger.Debug("Connecting to remote storage.",
		zap.String("remote_storage", "AWS S3"),
		zap.String("bucket", p.bucket),
		zap.String("region", p.region))

	p.status = Connecting

	var opts []func(*config.LoadOptions) error
	if p.region != "" {
		opts = append(opts, config.WithRegion(p.region))
	}

	sdkConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		p.logger.Error("Failed to load AWS SDK config", zap.Error(err))
		p.status = Disconnected
		return err
	}

	p.client = s3.NewFromConfig(sdkConfig)
	p.status = Connected

	p.logger.Debug("Successfully connected to remote storage.",
		zap.String("remote_storage", "AWS S3"),
		zap.String("bucket", p.bucket))

	return nil
}

func (p *S3Provider) Close() error {
	p.status = Disconnected
	return nil
}

// Key returns the S3 key of a result file of the job, given its slash-separated path relative to the results
// directory.
func (p *S3Provider) Key(jobID int, rel string) string {
	return path.Join(p.prefix, strconv.Itoa(jobID), rel)
}

// Archive uploads every file below localDir, one at a time.
func (p *S3Provider) Archive(ctx context.Context, jobID int, localDir string) error {
	if p.status != Connected {
		if err := p.Connect(ctx); err != nil {
			return err
		}
	}

	numFiles := 0
	err := walkFiles(localDir, func(file string, rel string) error {
		key := p.Key(jobID, rel)

		local, err := os.Open(file)
		if err != nil {
			return err
		}
		defer func() { _ = local.Close() }()

		_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
			Body:   local,
		})
		if err != nil {
			p.logger.Error("Error while writing local file to S3.",
				zap.String("path", file), zap.String("key", key), zap.String("bucket", p.bucket), zap.Error(err))
			return err
		}

		numFiles += 1
		p.logger.Debug("Copied local file to AWS S3.",
			zap.String("file", file), zap.String("key", key), zap.String("bucket", p.bucket))

		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to upload results of job %d to bucket \"%s\"", jobID, p.bucket)
	}

	p.sugaredLogger.Infof("Uploaded %d result file(s) of job %d to s3://%s/%s.", numFiles, jobID, p.bucket,
		p.Key(jobID, ""))
	return nil
}
