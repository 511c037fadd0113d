package mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renditiond/models"
)

type fakeCreds map[string]map[string]string

func (f fakeCreds) GetCredentials(key string) (map[string]string, error) {
	c, ok := f[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return c, nil
}

type recorder struct {
	mu    sync.Mutex
	calls []map[string]string
	names []string
}

func (r *recorder) upload(_ context.Context, accessInfo map[string]string, obj Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, accessInfo)
	r.names = append(r.names, obj.Name)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var testTask = models.RenderTask{DescriptorHash: "desc", Resolution: 1024, Format: models.FormatWebP}

func TestUploadDispatch(t *testing.T) {
	rec := &recorder{}
	backends := map[string]UploadFunc{"s3": rec.upload}

	err := Upload(context.Background(), backends, "s3", map[string]string{"bucket": "b"}, Object{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, rec.names)

	err = Upload(context.Background(), backends, "ftp", nil, Object{})
	assert.ErrorContains(t, err, "unknown backend type")

	boom := errors.New("boom")
	backends["gcs"] = func(context.Context, map[string]string, Object) error { return boom }
	err = Upload(context.Background(), backends, "gcs", nil, Object{})
	assert.ErrorIs(t, err, boom)
}

func TestBackendsValidateAccessInfo(t *testing.T) {
	for name, upload := range Backends {
		t.Run(name, func(t *testing.T) {
			err := upload(context.Background(), map[string]string{}, Object{Name: "a"})
			assert.ErrorContains(t, err, "missing required accessInfo key")
		})
	}
}

func TestUploadToDirectServe(t *testing.T) {
	base := t.TempDir()
	obj := ObjectFor("public", testTask, []byte("webp bytes"))

	require.NoError(t, UploadToDirectServe(context.Background(), map[string]string{"baseDir": base}, obj))
	got, err := os.ReadFile(filepath.Join(base, "public", "desc", testTask.Hash()+".webp"))
	require.NoError(t, err)
	assert.Equal(t, []byte("webp bytes"), got)

	err = UploadToDirectServe(context.Background(), map[string]string{"baseDir": base}, Object{Name: "../escape"})
	assert.Error(t, err)
}

func TestObjectFor(t *testing.T) {
	obj := ObjectFor("", testTask, nil)
	assert.Equal(t, "desc/"+testTask.Hash()+".webp", obj.Name)
	assert.Equal(t, "image/webp", obj.ContentType)
}

func TestReplicatorUploadsToEveryTarget(t *testing.T) {
	rec := &recorder{}
	r := NewReplicator(fakeCreds{"prod": {"bucket": "renditions"}}, Options{
		Targets: []Target{
			{Type: "s3", CredentialsKey: "prod", Folder: "cdn"},
			{Type: "directServe"},
		},
		ServeDir: "/srv/public",
		Backends: map[string]UploadFunc{"s3": rec.upload, "directServe": rec.upload},
	})
	r.Start(context.Background())

	r.Replicate(testTask, []byte("data"))
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, time.Millisecond)
	r.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Contains(t, rec.calls, map[string]string{"bucket": "renditions"})
	assert.Contains(t, rec.calls, map[string]string{"baseDir": "/srv/public"})
	assert.Contains(t, rec.names, "cdn/desc/"+testTask.Hash()+".webp")
}

func TestReplicatorSurvivesMissingCredentials(t *testing.T) {
	rec := &recorder{}
	r := NewReplicator(fakeCreds{}, Options{
		Targets:  []Target{{Type: "s3", CredentialsKey: "gone"}},
		Backends: map[string]UploadFunc{"s3": rec.upload},
	})
	r.Start(context.Background())
	r.Replicate(testTask, []byte("data"))
	r.Close()

	assert.Zero(t, rec.count())
}

func TestReplicatorDropsWhenFullOrClosed(t *testing.T) {
	rec := &recorder{}
	r := NewReplicator(nil, Options{
		Targets:   []Target{{Type: "directServe"}},
		QueueSize: 1,
		Backends:  map[string]UploadFunc{"directServe": rec.upload},
	})
	// not started: the second rendition finds the queue full
	r.Replicate(testTask, []byte("1"))
	r.Replicate(testTask, []byte("2"))
	assert.Len(t, r.queue, 1)

	r.Start(context.Background())
	r.Close()
	assert.Equal(t, 1, rec.count())

	r.Replicate(testTask, []byte("3"))
	r.Close()
	assert.Equal(t, 1, rec.count())
}
