//go:build integration

package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lws.localdev.org/common"
	"lws.localdev.org/iam"
	"lws.localdev.org/object"
)

const (
	integTestBasePort = 19560
	integTestRegion   = "local-1"
	integTestBucket   = "integ-bucket"
)

// setupObjectProvider starts the object provider on a local port and
// returns an endpoint URL plus a cleanup function.
func setupObjectProvider(t *testing.T) (string, func()) {
	engine, err := object.Open(t.TempDir())
	require.NoError(t, err)

	deps := &Deps{
		BasePort:  integTestBasePort,
		Logs:      common.NewLogBuffer(64),
		Evaluator: iam.NewEvaluator(iam.ModeDisabled),
	}
	p := NewObjectProvider(deps, engine)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.Health(ctx) == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NoError(t, p.Health(ctx), "object provider did not come up")

	url := fmt.Sprintf("http://127.0.0.1:%d", p.Port())
	cleanup := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(stopCtx)
	}
	return url, cleanup
}

func newS3Client(t *testing.T, url string) *s3.Client {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(integTestRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")),
		awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               url,
					SigningRegion:     region,
					HostnameImmutable: true,
				}, nil
			})),
	)
	require.NoError(t, err)

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
}

func TestObjectProviderRoundTrip_Integration(t *testing.T) {
	url, cleanup := setupObjectProvider(t)
	defer cleanup()

	ctx := context.Background()
	client := newS3Client(t, url)

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(integTestBucket)})
	require.NoError(t, err)

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(integTestBucket)})
	require.NoError(t, err)

	body := []byte("hello object store")
	put, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(integTestBucket),
		Key:    aws.String("docs/readme.txt"),
		Body:   bytes.NewReader(body),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, aws.ToString(put.ETag))

	got, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(integTestBucket),
		Key:    aws.String("docs/readme.txt"),
	})
	require.NoError(t, err)
	data, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	got.Body.Close()
	assert.Equal(t, body, data)

	_, err = client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(integTestBucket),
		Key:    aws.String("docs/missing.txt"),
	})
	assert.Error(t, err)
}

func TestObjectProviderListing_Integration(t *testing.T) {
	url, cleanup := setupObjectProvider(t)
	defer cleanup()

	ctx := context.Background()
	client := newS3Client(t, url)

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(integTestBucket)})
	require.NoError(t, err)

	keys := []string{"logs/a.txt", "logs/b.txt", "data/c.txt"}
	for _, key := range keys {
		_, err = client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(integTestBucket),
			Key:    aws.String(key),
			Body:   strings.NewReader("x"),
		})
		require.NoError(t, err)
	}

	list, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(integTestBucket),
		Prefix: aws.String("logs/"),
	})
	require.NoError(t, err)
	require.Len(t, list.Contents, 2)
	assert.Equal(t, "logs/a.txt", aws.ToString(list.Contents[0].Key))

	delim, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(integTestBucket),
		Delimiter: aws.String("/"),
	})
	require.NoError(t, err)
	prefixes := make([]string, 0, len(delim.CommonPrefixes))
	for _, p := range delim.CommonPrefixes {
		prefixes = append(prefixes, aws.ToString(p.Prefix))
	}
	assert.ElementsMatch(t, []string{"logs/", "data/"}, prefixes)
}

func TestObjectProviderMultipart_Integration(t *testing.T) {
	url, cleanup := setupObjectProvider(t)
	defer cleanup()

	ctx := context.Background()
	client := newS3Client(t, url)

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(integTestBucket)})
	require.NoError(t, err)

	create, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(integTestBucket),
		Key:    aws.String("big/blob.bin"),
	})
	require.NoError(t, err)
	uploadID := aws.ToString(create.UploadId)
	require.NotEmpty(t, uploadID)

	var completed []s3types.CompletedPart
	chunks := []string{"part one ", "part two"}
	for i, chunk := range chunks {
		part, err := client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(integTestBucket),
			Key:        aws.String("big/blob.bin"),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(i + 1)),
			Body:       strings.NewReader(chunk),
		})
		require.NoError(t, err)
		completed = append(completed, s3types.CompletedPart{
			ETag:       part.ETag,
			PartNumber: aws.Int32(int32(i + 1)),
		})
	}

	_, err = client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(integTestBucket),
		Key:      aws.String("big/blob.bin"),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	require.NoError(t, err)

	got, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(integTestBucket),
		Key:    aws.String("big/blob.bin"),
	})
	require.NoError(t, err)
	data, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	got.Body.Close()
	assert.Equal(t, "part one part two", string(data))
}
