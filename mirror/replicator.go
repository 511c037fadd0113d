package mirror

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	"renditiond/logger"
	"renditiond/metrics"
	"renditiond/models"
)

var log = logger.With("mirror")

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 256
	uploadTimeout    = 2 * time.Minute
)

// Target is one configured mirror destination.
type Target struct {
	Type           string
	CredentialsKey string
	// Folder prefixes every object name.
	Folder string
}

// CredentialSource resolves a credentials key to backend access info.
type CredentialSource interface {
	GetCredentials(key string) (map[string]string, error)
}

type Options struct {
	Targets   []Target
	Workers   int
	QueueSize int
	// ServeDir is the baseDir of directServe targets whose credentials do not
	// name one.
	ServeDir string
	Metrics  *metrics.Metrics
	// Backends overrides the uploaders, keyed by target type.
	Backends map[string]UploadFunc
}

type upload struct {
	task models.RenderTask
	data []byte
}

// Replicator uploads renditions to every target from a bounded queue. When
// the queue is full new renditions are dropped.
type Replicator struct {
	opts  Options
	creds CredentialSource
	queue chan upload

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewReplicator(creds CredentialSource, opts Options) *Replicator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Backends == nil {
		opts.Backends = Backends
	}
	return &Replicator{opts: opts, creds: creds, queue: make(chan upload, opts.QueueSize)}
}

// Start runs the upload workers until Close.
func (r *Replicator) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	log.Infof("mirroring to %d targets with %d workers", len(r.opts.Targets), r.opts.Workers)
}

// Replicate queues data for upload without blocking.
func (r *Replicator) Replicate(task models.RenderTask, data []byte) {
	if len(r.opts.Targets) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- upload{task: task, data: data}:
	default:
		log.Warnf("queue full, not mirroring %s", task.Hash())
	}
}

// Close stops accepting renditions, drains the queue and waits for the
// workers.
func (r *Replicator) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Replicator) worker(ctx context.Context) {
	defer r.wg.Done()
	for u := range r.queue {
		for _, t := range r.opts.Targets {
			err := r.send(ctx, t, u)
			r.opts.Metrics.MirrorUpload(t.Type, err)
			if err != nil {
				log.Errorf("mirror of %s to %s failed: %v", u.task.Hash(), t.Type, err)
			}
		}
	}
}

func (r *Replicator) send(ctx context.Context, t Target, u upload) error {
	accessInfo := map[string]string{}
	if t.CredentialsKey != "" {
		if r.creds == nil {
			return errors.New("no credentials store")
		}
		stored, err := r.creds.GetCredentials(t.CredentialsKey)
		if err != nil {
			return err
		}
		for k, v := range stored {
			accessInfo[k] = v
		}
	}
	if t.Type == "directServe" && accessInfo["baseDir"] == "" {
		accessInfo["baseDir"] = r.opts.ServeDir
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	return Upload(ctx, r.opts.Backends, t.Type, accessInfo, ObjectFor(t.Folder, u.task, u.data))
}

// ObjectFor names a rendition <folder>/<descriptorHash>/<taskHash>.<ext>.
func ObjectFor(folder string, task models.RenderTask, data []byte) Object {
	return Object{
		Name:        path.Join(folder, task.DescriptorHash, task.Hash()+"."+string(task.Format)),
		Data:        data,
		ContentType: task.Format.ContentType(),
	}
}
