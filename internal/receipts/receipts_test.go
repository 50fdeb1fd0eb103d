package receipts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/umbra-cash/umbra/internal/batch"
)

func TestNewBlobstoreValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewBlobstore(Config{Driver: "unknown"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewBlobstore(Config{Driver: DriverS3}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing bucket err = %v, want ErrInvalidConfig", err)
	}
}

func TestMemoryBlobstore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := NewBlobstore(Config{Driver: DriverMemory, Prefix: "pool"})
	if err != nil {
		t.Fatalf("new blobstore: %v", err)
	}

	if err := store.Put(ctx, "batches/1.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	data, err := store.Get(ctx, "batches/1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("data = %q", data)
	}

	ok, err := store.Exists(ctx, "batches/1.json")
	if err != nil || !ok {
		t.Fatalf("exists = (%v, %v)", ok, err)
	}
	ok, err = store.Exists(ctx, "batches/2.json")
	if err != nil || ok {
		t.Fatalf("missing exists = (%v, %v)", ok, err)
	}

	if _, err := store.Get(ctx, "batches/2.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := store.Put(ctx, "  bad", nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := NewBlobstore(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("new blobstore: %v", err)
	}
	archive, err := NewArchive(store)
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}

	settledAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	result := batch.Result{
		ID:        7,
		TotalIn:   1_000,
		TotalOut:  950,
		SettledAt: settledAt,
		Finalized: true,
	}
	if err := archive.Write(ctx, result, 3, "usdc->wbtc"); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := archive.Read(ctx, 7)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := Receipt{
		Version:   ReceiptVersionV1,
		BatchID:   7,
		TotalIn:   1_000,
		TotalOut:  950,
		Deposits:  3,
		Route:     "usdc->wbtc",
		SettledAt: settledAt,
	}
	if got != want {
		t.Fatalf("receipt = %+v, want %+v", got, want)
	}
}

func TestArchiveRejectsUnfinalized(t *testing.T) {
	t.Parallel()

	store, _ := NewBlobstore(Config{Driver: DriverMemory})
	archive, _ := NewArchive(store)

	err := archive.Write(context.Background(), batch.Result{ID: 1}, 0, "")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

type fakeS3 struct {
	objects map[string][]byte
}

type fakeAPIError struct{ code string }

func (e fakeAPIError) Error() string                 { return e.code }
func (e fakeAPIError) ErrorCode() string             { return e.code }
func (e fakeAPIError) ErrorMessage() string          { return e.code }
func (e fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, fakeAPIError{code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(params.Key)]; !ok {
		return nil, fakeAPIError{code: "NotFound"}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestS3Blobstore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client := &fakeS3{}
	store, err := NewBlobstore(Config{
		Driver:   DriverS3,
		Bucket:   "receipts",
		Prefix:   "pool",
		S3Client: client,
	})
	if err != nil {
		t.Fatalf("new blobstore: %v", err)
	}

	if err := store.Put(ctx, "batches/9.json", []byte(`{"v":9}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := client.objects["pool/batches/9.json"]; !ok {
		t.Fatalf("prefix not applied: %v", client.objects)
	}

	data, err := store.Get(ctx, "batches/9.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"v":9}` {
		t.Fatalf("data = %q", data)
	}

	if _, err := store.Get(ctx, "batches/10.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	ok, err := store.Exists(ctx, "batches/9.json")
	if err != nil || !ok {
		t.Fatalf("exists = (%v, %v)", ok, err)
	}
}

func TestS3BlobstoreMaxGetSize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client := &fakeS3{}
	store, err := NewBlobstore(Config{
		Driver:     DriverS3,
		Bucket:     "receipts",
		MaxGetSize: 4,
		S3Client:   client,
	})
	if err != nil {
		t.Fatalf("new blobstore: %v", err)
	}

	if err := store.Put(ctx, "big.json", []byte("12345")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Get(ctx, "big.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}
