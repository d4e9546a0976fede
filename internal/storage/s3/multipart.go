package s3

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// multipartWriter buffers writes into minPartSize chunks and uploads
// each as a part once full, so a stream of any length transits through
// bounded memory regardless of total object size.
type multipartWriter struct {
	ctx        context.Context
	client     *s3.Client
	bucket     string
	key        string
	uploadID   string
	partNumber int32
	parts      []types.CompletedPart
	buf        []byte
}

func newMultipartWriter(ctx context.Context, client *s3.Client, bucket, key string) (*multipartWriter, error) {
	out, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("creating multipart upload: %w", err)
	}
	return &multipartWriter{
		ctx:      ctx,
		client:   client,
		bucket:   bucket,
		key:      key,
		uploadID: aws.ToString(out.UploadId),
	}, nil
}

// Write implements io.Writer, flushing full parts as the buffer fills.
func (w *multipartWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for len(w.buf) >= minPartSize {
		if err := w.uploadPart(w.buf[:minPartSize]); err != nil {
			return 0, err
		}
		rest := make([]byte, len(w.buf)-minPartSize)
		copy(rest, w.buf[minPartSize:])
		w.buf = rest
	}
	return len(p), nil
}

func (w *multipartWriter) uploadPart(data []byte) error {
	if w.partNumber >= maxParts {
		return fmt.Errorf("multipart upload exceeded %d parts", maxParts)
	}
	w.partNumber++
	out, err := w.client.UploadPart(w.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.bucket),
		Key:        aws.String(w.key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(w.partNumber),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("uploading part %d: %w", w.partNumber, err)
	}
	w.parts = append(w.parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(w.partNumber)})
	return nil
}

// Close completes the multipart upload, flushing any buffered remainder
// as the final (possibly short) part.
func (w *multipartWriter) Close() error {
	return w.complete(w.ctx)
}

func (w *multipartWriter) complete(ctx context.Context) error {
	if len(w.buf) > 0 || len(w.parts) == 0 {
		if err := w.uploadPart(w.buf); err != nil {
			return err
		}
		w.buf = nil
	}
	_, err := w.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	if err != nil {
		return fmt.Errorf("completing multipart upload: %w", err)
	}
	return nil
}

func (w *multipartWriter) abort(ctx context.Context) {
	w.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
}
