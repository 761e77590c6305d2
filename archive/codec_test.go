package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func sampleUnit() Unit[map[string]float64] {

	records := make([]Record[map[string]float64], 50)

	for i := range records {
		records[i] = Record[map[string]float64]{
			Result:    map[string]float64{"score": float64(i) / 100},
			Timestamp: at(6, 0, i),
		}
	}

	return Unit[map[string]float64]{
		Version: FormatVersion,
		RunID:   "abc",
		Bucket:  BucketFor(at(6, 0, 0), DefaultWindow),
		Window:  1800,
		Records: records,
	}
}

func TestEncodeCompressed(t *testing.T) {

	u := sampleUnit()

	plain, err := Encode(u, false)

	if err != nil {
		t.Fatal(err)
	}

	packed, err := Encode(u, true)

	if err != nil {
		t.Fatal(err)
	}

	if !bytes.HasPrefix(packed, zstdMagic) {
		t.Fatal("compressed unit missing zstd header")
	}

	if len(packed) >= len(plain) {
		t.Fatalf("compressed %d bytes, plain %d bytes", len(packed), len(plain))
	}

	for _, data := range [][]byte{plain, packed} {
		got, err := Decode[map[string]float64](data)

		if err != nil {
			t.Fatal(err)
		}

		if len(got.Records) != len(u.Records) || got.Records[49].Result["score"] != 0.49 {
			t.Fatalf("records not restored: %d", len(got.Records))
		}
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {

	_, err := Decode[int]([]byte(`{"version":2,"records":[]}`))

	if err == nil || !strings.Contains(err.Error(), "version") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestDecodeWireFormat(t *testing.T) {

	data := []byte(`{"version":1,"run_id":"r","bucket":{"date":"20240302","label":"1430"},
		"window":1800,"records":[{"result":7,"timestamp":"2024-03-02T14:31:00Z"}]}`)

	u, err := Decode[int](data)

	if err != nil {
		t.Fatal(err)
	}

	if u.Bucket.Key() != "20240302/1430" || u.Records[0].Result != 7 {
		t.Fatalf("unexpected unit %+v", u)
	}

	if !u.Records[0].Timestamp.Equal(at(14, 31, 0)) {
		t.Fatalf("unexpected timestamp %s", u.Records[0].Timestamp)
	}
}

// fakeS3 keeps objects in memory
type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {

	data, err := io.ReadAll(in.Body)

	if err != nil {
		return nil, err
	}

	f.objects[*in.Bucket+"/"+*in.Key] = data
	f.types[*in.Key] = *in.ContentType

	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {

	data, ok := f.objects[*in.Bucket+"/"+*in.Key]

	if !ok {
		return nil, errors.New("no such key")
	}

	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3StoreRoundTrip(t *testing.T) {

	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	store := newS3Store(fake, "poses", "/cam1/")

	u := Unit[int]{Version: FormatVersion, Bucket: BucketFor(at(1, 0, 0), DefaultWindow),
		Records: []Record[int]{{Result: 3, Timestamp: at(1, 5, 0)}}}

	data, err := Encode(u, true)

	if err != nil {
		t.Fatal(err)
	}

	if err := store.Put(ctx, "20240302/0100.json.zst", data); err != nil {
		t.Fatal(err)
	}

	if _, ok := fake.objects["poses/cam1/20240302/0100.json.zst"]; !ok {
		t.Fatalf("object not stored under prefix: %v", fake.objects)
	}

	if ct := fake.types["cam1/20240302/0100.json.zst"]; ct != "application/zstd" {
		t.Fatalf("unexpected content type %q", ct)
	}

	got, err := ReadUnit[int](ctx, store, "20240302/0100.json.zst")

	if err != nil {
		t.Fatal(err)
	}

	if len(got.Records) != 1 || got.Records[0].Result != 3 {
		t.Fatalf("unexpected records %+v", got.Records)
	}

	if _, err := store.Get(ctx, "missing.json"); err == nil {
		t.Fatal("expected error for missing object")
	}
}
