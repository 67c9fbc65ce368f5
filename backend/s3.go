package backend

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ensure the executor contracts are implemented
var (
	_ Remote = (*S3Remote)(nil)
	_ Copier = (*S3Remote)(nil)
)

// s3PartSize is the multipart chunk size; files above it upload through a
// resumable multipart session, files below it go through the transfer
// manager in one shot.
const s3PartSize = 16 * 1024 * 1024

// s3DeleteBatch is the DeleteObjects request limit.
const s3DeleteBatch = 1000

// S3Remote executes transfers against one S3 bucket. Pauses land at file
// boundaries, or at part boundaries inside a multipart upload, in which
// case the in-progress upload ID and completed part list ride along in the
// checkpoint's opaque partial state.
type S3Remote struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      *slog.Logger
}

// s3Partial is the backend-specific resume state for an interrupted
// multipart upload.
type s3Partial struct {
	Src      string   `json:"src"`
	Key      string   `json:"key"`
	UploadID string   `json:"upload_id"`
	Parts    []s3Part `json:"parts"`
}

type s3Part struct {
	Number int32  `json:"number"`
	ETag   string `json:"etag"`
}

// NewS3Remote creates an executor for the given bucket using the default
// AWS credential chain.
func NewS3Remote(ctx context.Context, bucket string, log *slog.Logger) (*S3Remote, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return NewS3RemoteWithClient(client, bucket, log), nil
}

// NewS3RemoteWithClient creates an executor over an existing client,
// which is also the seam integration tests use.
func NewS3RemoteWithClient(client *s3.Client, bucket string, log *slog.Logger) *S3Remote {
	return &S3Remote{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		log:      log,
	}
}

// sseHeaders derives SSE-C parameters from the request password. A nil
// return means no client-side encryption was requested.
func sseHeaders(password string) (alg, key, keyMD5 *string) {
	if password == "" {
		return nil, nil, nil
	}
	k := sha256.Sum256([]byte(password))
	sum := md5.Sum(k[:])
	return aws.String("AES256"),
		aws.String(base64.StdEncoding.EncodeToString(k[:])),
		aws.String(base64.StdEncoding.EncodeToString(sum[:]))
}

// expandKeys resolves keys and key prefixes into the flat object list.
func (p *S3Remote) expandKeys(ctx context.Context, keys []string) ([]item, error) {
	var items []item
	for _, key := range keys {
		key = strings.TrimPrefix(key, "/")

		head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			var size int64
			if head.ContentLength != nil {
				size = *head.ContentLength
			}
			items = append(items, item{Src: key, Rel: path.Base(key), Size: size})
			continue
		}

		// Not an exact object, treat it as a prefix.
		prefix := strings.TrimSuffix(key, "/") + "/"
		base := path.Base(strings.TrimSuffix(key, "/"))
		found := false
		var continuation *string
		for {
			out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(p.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: continuation,
			})
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", key, err)
			}
			for _, obj := range out.Contents {
				name := strings.TrimPrefix(*obj.Key, prefix)
				if name == "" || strings.HasSuffix(name, "/") {
					continue // directory placeholders
				}
				var size int64
				if obj.Size != nil {
					size = *obj.Size
				}
				items = append(items, item{
					Src:  *obj.Key,
					Rel:  path.Join(base, name),
					Size: size,
				})
				found = true
			}
			if out.IsTruncated != nil && *out.IsTruncated {
				continuation = out.NextContinuationToken
				continue
			}
			break
		}
		if !found {
			return nil, fmt.Errorf("object not found: s3://%s/%s", p.bucket, key)
		}
	}
	return items, nil
}

// Download fetches the requested keys into the local destination directory.
func (p *S3Remote) Download(ctx context.Context, req Request) (*Checkpoint, error) {
	items, err := p.expandKeys(ctx, req.Sources)
	if err != nil {
		return nil, err
	}
	c, todo := seedCounter(&req, items)
	completed := carried(req.Checkpoint)
	alg, key, keyMD5 := sseHeaders(req.Password)

	for _, it := range todo {
		if req.Control.PauseRequested() {
			return c.checkpoint(completed), nil
		}
		if err := req.checked(ctx); err != nil {
			return nil, err
		}
		c.begin(it.Src)

		out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket:               aws.String(p.bucket),
			Key:                  aws.String(it.Src),
			SSECustomerAlgorithm: alg,
			SSECustomerKey:       key,
			SSECustomerKeyMD5:    keyMD5,
		})
		if err != nil {
			return nil, fmt.Errorf("get s3://%s/%s: %w", p.bucket, it.Src, err)
		}

		dst := filepath.Join(req.Destination, filepath.FromSlash(it.Rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			out.Body.Close()
			return nil, fmt.Errorf("create destination directory: %w", err)
		}
		f, err := os.Create(dst)
		if err != nil {
			out.Body.Close()
			return nil, fmt.Errorf("create %s: %w", dst, err)
		}

		buf := make([]byte, DefaultBufferSize)
		err = copyChunks(ctx, &req, f, newLimitReader(out.Body, req.Bandwidth), buf, c)
		out.Body.Close()
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
			return nil, fmt.Errorf("download %s: %w", it.Src, err)
		}

		completed = append(completed, it.Src)
		c.fileDone()
	}
	return nil, nil
}

// Upload stores the local sources under the destination key prefix.
func (p *S3Remote) Upload(ctx context.Context, req Request) (*Checkpoint, error) {
	items, err := expandLocal(req.Sources)
	if err != nil {
		return nil, err
	}
	c, todo := seedCounter(&req, items)
	completed := carried(req.Checkpoint)

	var resume *s3Partial
	if req.Checkpoint != nil && len(req.Checkpoint.Partial) > 0 {
		resume = &s3Partial{}
		if err := json.Unmarshal(req.Checkpoint.Partial, resume); err != nil {
			resume = nil
		}
	}

	for _, it := range todo {
		if req.Control.PauseRequested() {
			return c.checkpoint(completed), nil
		}
		if err := req.checked(ctx); err != nil {
			return nil, err
		}
		c.begin(it.Src)

		dstKey := path.Join(strings.TrimPrefix(req.Destination, "/"), filepath.ToSlash(it.Rel))
		if it.Size > s3PartSize {
			var prior *s3Partial
			if resume != nil && resume.Src == it.Src {
				prior = resume
			}
			paused, err := p.uploadMultipart(ctx, &req, it, dstKey, prior, c)
			if err != nil {
				return nil, err
			}
			if paused != nil {
				cp := c.checkpoint(completed)
				cp.Partial, _ = json.Marshal(paused)
				return cp, nil
			}
		} else if err := p.uploadSimple(ctx, &req, it, dstKey, c); err != nil {
			return nil, err
		}

		completed = append(completed, it.Src)
		c.fileDone()
	}
	return nil, nil
}

func (p *S3Remote) uploadSimple(ctx context.Context, req *Request, it item, key string, c *counter) error {
	f, err := os.Open(it.Src)
	if err != nil {
		return fmt.Errorf("open %s: %w", it.Src, err)
	}
	defer f.Close()

	alg, sseKey, keyMD5 := sseHeaders(req.Password)
	body := &tickReader{r: newLimitReader(f, req.Bandwidth), c: c}
	_, err = p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(p.bucket),
		Key:                  aws.String(key),
		Body:                 body,
		SSECustomerAlgorithm: alg,
		SSECustomerKey:       sseKey,
		SSECustomerKeyMD5:    keyMD5,
	})
	if err != nil {
		if req.checked(ctx) != nil {
			return cancelErr(ctx.Err())
		}
		return fmt.Errorf("upload %s: %w", it.Src, err)
	}
	return nil
}

// uploadMultipart runs (or resumes) a part-by-part upload so pause requests
// can be honored between parts. A non-nil s3Partial return means the upload
// paused and the returned state must ride in the checkpoint.
func (p *S3Remote) uploadMultipart(ctx context.Context, req *Request, it item, key string, prior *s3Partial, c *counter) (*s3Partial, error) {
	f, err := os.Open(it.Src)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", it.Src, err)
	}
	defer f.Close()

	alg, sseKey, keyMD5 := sseHeaders(req.Password)

	var uploadID string
	var parts []s3Part
	if prior != nil && prior.UploadID != "" {
		uploadID = prior.UploadID
		parts = prior.Parts
		offset := int64(len(parts)) * s3PartSize
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek %s: %w", it.Src, err)
		}
		c.add64(offset)
	} else {
		out, err := p.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:               aws.String(p.bucket),
			Key:                  aws.String(key),
			SSECustomerAlgorithm: alg,
			SSECustomerKey:       sseKey,
			SSECustomerKeyMD5:    keyMD5,
		})
		if err != nil {
			return nil, fmt.Errorf("create multipart upload for %s: %w", key, err)
		}
		uploadID = aws.ToString(out.UploadId)
	}

	reader := newLimitReader(f, req.Bandwidth)
	buf := make([]byte, s3PartSize)
	for {
		if req.Control.PauseRequested() {
			return &s3Partial{Src: it.Src, Key: key, UploadID: uploadID, Parts: parts}, nil
		}
		if err := req.checked(ctx); err != nil {
			p.abortMultipart(key, uploadID)
			return nil, err
		}

		n, rerr := io.ReadFull(reader, buf)
		if rerr == io.EOF {
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			p.abortMultipart(key, uploadID)
			return nil, fmt.Errorf("read %s: %w", it.Src, rerr)
		}

		num := int32(len(parts) + 1)
		out, err := p.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:               aws.String(p.bucket),
			Key:                  aws.String(key),
			UploadId:             aws.String(uploadID),
			PartNumber:           aws.Int32(num),
			Body:                 bytes.NewReader(buf[:n]),
			SSECustomerAlgorithm: alg,
			SSECustomerKey:       sseKey,
			SSECustomerKeyMD5:    keyMD5,
		})
		if err != nil {
			p.abortMultipart(key, uploadID)
			if req.checked(ctx) != nil {
				return nil, cancelErr(ctx.Err())
			}
			return nil, fmt.Errorf("upload part %d of %s: %w", num, it.Src, err)
		}
		parts = append(parts, s3Part{Number: num, ETag: aws.ToString(out.ETag)})
		c.add(n)

		if rerr == io.ErrUnexpectedEOF {
			break
		}
	}

	done := make([]types.CompletedPart, len(parts))
	for i, part := range parts {
		done[i] = types.CompletedPart{
			PartNumber: aws.Int32(part.Number),
			ETag:       aws.String(part.ETag),
		}
	}
	_, err = p.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(p.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: done},
	})
	if err != nil {
		p.abortMultipart(key, uploadID)
		return nil, fmt.Errorf("complete multipart upload for %s: %w", key, err)
	}
	return nil, nil
}

func (p *S3Remote) abortMultipart(key, uploadID string) {
	// Best effort, detached from the (possibly cancelled) request context.
	_, err := p.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(p.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil && p.log != nil {
		p.log.Warn("abort multipart upload failed", "key", key, "error", err)
	}
}

// CopyWithin copies objects server side within the bucket.
func (p *S3Remote) CopyWithin(ctx context.Context, req Request) (*Checkpoint, error) {
	items, err := p.expandKeys(ctx, req.Sources)
	if err != nil {
		return nil, err
	}
	c, todo := seedCounter(&req, items)
	completed := carried(req.Checkpoint)

	for _, it := range todo {
		if req.Control.PauseRequested() {
			return c.checkpoint(completed), nil
		}
		if err := req.checked(ctx); err != nil {
			return nil, err
		}
		c.begin(it.Src)

		dstKey := path.Join(strings.TrimPrefix(req.Destination, "/"), it.Rel)
		_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(p.bucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(url.PathEscape(p.bucket + "/" + it.Src)),
		})
		if err != nil {
			return nil, fmt.Errorf("copy s3://%s/%s: %w", p.bucket, it.Src, err)
		}

		c.add64(it.Size)
		completed = append(completed, it.Src)
		c.fileDone()
	}
	return nil, nil
}

// Delete removes the given keys or key prefixes.
func (p *S3Remote) Delete(ctx context.Context, keys []string) error {
	items, err := p.expandKeys(ctx, keys)
	if err != nil {
		return err
	}
	for start := 0; start < len(items); start += s3DeleteBatch {
		end := start + s3DeleteBatch
		if end > len(items) {
			end = len(items)
		}
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, it := range items[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(it.Src)})
		}
		_, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.bucket),
			Delete: &types.Delete{Objects: ids},
		})
		if err != nil {
			return fmt.Errorf("delete objects in %s: %w", p.bucket, err)
		}
	}
	return nil
}

// tickReader counts bytes through the progress counter as an upload
// consumes them.
type tickReader struct {
	r io.Reader
	c *counter
}

func (t *tickReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.c.add(n)
	}
	return n, err
}
