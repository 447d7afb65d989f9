package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/omnisync/internal/client"
	"github.com/raphaelgruber/omnisync/internal/identity"
	"github.com/raphaelgruber/omnisync/internal/metrics"
	"github.com/raphaelgruber/omnisync/internal/models"
	"github.com/raphaelgruber/omnisync/internal/poller"
)

// retainedUploads bounds how many finalized uploads AwaitUpload can still
// resolve after nobody has awaited them.
const retainedUploads = 64

// InputsAPI is the transport used by InputsStore.
type InputsAPI interface {
	poller.JobFetcher
	ListInputs(ctx context.Context) ([]models.Input, error)
	UploadFile(ctx context.Context, fileName string, r io.Reader, username, jobID string) (*client.UploadResult, error)
	DownloadFile(ctx context.Context, id string, w io.Writer) (string, error)
}

// InputsStore holds the uploaded input files and the uploads in progress.
// Uploads are guarded by the cache lock so that finalizing an upload is a
// single state replacement.
type InputsStore struct {
	*Cache[models.Input, string]
	api      InputsAPI
	ident    identity.Provider
	ctx      context.Context
	logger   *slog.Logger
	pollOpts []poller.Option

	uploads   []*upload
	byJob     map[string]*upload
	finalized []string
}

// InputsSnapshot is a consistent view of inputs and uploads.
type InputsSnapshot struct {
	Inputs  []models.Input
	Uploads []FileInProgress
	Loading bool
	Err     error
}

// NewInputsStore creates an unpopulated inputs store.
func NewInputsStore(ctx context.Context, api InputsAPI, ident identity.Provider, logger *slog.Logger, m *metrics.Collector, pollOpts ...poller.Option) *InputsStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &InputsStore{
		api:    api,
		ident:  ident,
		ctx:    ctx,
		logger: logger.With("cache", "inputs"),
		byJob:  make(map[string]*upload),
	}
	s.pollOpts = append([]poller.Option{poller.WithLogger(logger), poller.WithMetrics(m)}, pollOpts...)
	s.Cache = NewCache(ctx, CacheConfig[models.Input, string]{
		Name: "inputs",
		Fetch: func(ctx context.Context) ([]models.Input, error) {
			inputs, err := api.ListInputs(ctx)
			if err != nil {
				return nil, fmt.Errorf("list inputs: %w", err)
			}
			return inputs, nil
		},
		Key:     func(in models.Input) string { return in.ID },
		Logger:  logger,
		Metrics: m,
	})
	return s
}

// Snapshot returns inputs and uploads read under one lock, so a finalized
// upload is never seen in both lists.
func (s *InputsStore) Snapshot() InputsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerLocked()
	return InputsSnapshot{
		Inputs:  slices.Clone(s.items),
		Uploads: s.filesInProgressLocked(),
		Loading: s.loading,
		Err:     s.err,
	}
}

// FilesInProgress returns the uploads that have not been finalized.
func (s *InputsStore) FilesInProgress() []FileInProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filesInProgressLocked()
}

func (s *InputsStore) filesInProgressLocked() []FileInProgress {
	out := make([]FileInProgress, 0, len(s.uploads))
	for _, u := range s.uploads {
		out = append(out, u.snapshot())
	}
	return out
}

// UploadFile submits a file and tracks it until the server has processed it.
// The processing job is polled from the start, before the transport returns.
// The server registers the job only once it has read the whole file, so failed
// status queries are retried without limit until the response arrives.
// It returns the client-generated job id once the transport call resolves;
// the upload is finalized whenever both the response and the job are done.
func (s *InputsStore) UploadFile(ctx context.Context, fileName string, r io.Reader) (string, error) {
	username := s.ident.Username()
	if username == "" {
		return "", ErrNotLoggedIn
	}

	u := newUpload(uuid.NewString(), fileName, username)
	opts := append(slices.Clone(s.pollOpts), poller.WithTolerate(func(error) bool {
		return !s.responded(u)
	}))
	u.poller = poller.New(s.api, opts...)

	s.mu.Lock()
	s.uploads = append(s.uploads, u)
	s.byJob[u.jobID] = u
	s.mu.Unlock()
	s.Broadcast()

	s.logger.Info("upload started", "job_id", u.jobID, "file_name", fileName)
	u.poller.Start(s.ctx, u.jobID,
		func(j models.Job) { s.uploadTick(u, j) },
		func(j models.Job) { s.uploadTerminal(u, j) },
	)

	res, err := s.api.UploadFile(ctx, fileName, r, username, u.jobID)
	if err != nil {
		s.mu.Lock()
		u.failLocked(client.Message(err))
		s.mu.Unlock()
		u.poller.Stop()
		s.Broadcast()
		return u.jobID, fmt.Errorf("upload %s: %w", fileName, err)
	}

	s.mu.Lock()
	u.responded = true
	u.fileID = res.FileID
	u.size = res.FileSize
	s.finalizeLocked(u)
	s.mu.Unlock()
	s.Broadcast()
	return u.jobID, nil
}

func (s *InputsStore) responded(u *upload) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return u.responded
}

func (s *InputsStore) uploadTick(u *upload, j models.Job) {
	s.mu.Lock()
	if u.finalized || u.failed {
		s.mu.Unlock()
		return
	}
	if j.Progress > u.progress {
		u.progress = j.Progress
	}
	u.status = j.Status
	s.mu.Unlock()
	s.Broadcast()
}

func (s *InputsStore) uploadTerminal(u *upload, j models.Job) {
	s.mu.Lock()
	if j.Status == models.JobStatusFailed {
		u.failLocked(j.ErrorText())
		s.logger.Warn("upload failed", "job_id", u.jobID, "error", j.ErrorText())
	} else {
		u.jobDone = true
		s.finalizeLocked(u)
	}
	s.mu.Unlock()
	s.Broadcast()
}

// finalizeLocked folds u into the inputs once both the transport response and
// the job have completed. It is a no-op on every other call.
func (s *InputsStore) finalizeLocked(u *upload) {
	if !u.responded || !u.jobDone || u.finalized || u.failed {
		return
	}
	u.finalized = true
	u.status = models.JobStatusCompleted
	u.progress = 1
	s.uploads = slices.DeleteFunc(s.uploads, func(o *upload) bool { return o == u })
	s.mergeLocked(models.Input{
		ID:        u.fileID,
		FileName:  u.fileName,
		Username:  u.username,
		Size:      u.size,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	u.finish()
	s.finalized = append(s.finalized, u.jobID)
	if len(s.finalized) > retainedUploads {
		delete(s.byJob, s.finalized[0])
		s.finalized = s.finalized[1:]
	}
	if u.poller != nil {
		u.poller.Stop()
	}
	s.logger.Info("upload finalized", "job_id", u.jobID, "file_id", u.fileID, "size", u.size)
}

// AwaitUpload blocks until the upload finalizes or fails. A finalized upload
// is forgotten once awaited; a failed one stays until dismissed.
func (s *InputsStore) AwaitUpload(ctx context.Context, jobID string) (models.Input, error) {
	s.mu.RLock()
	u, ok := s.byJob[jobID]
	s.mu.RUnlock()
	if !ok {
		return models.Input{}, ErrUnknownUpload
	}

	select {
	case <-u.done:
	case <-ctx.Done():
		return models.Input{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if u.failed {
		return models.Input{}, fmt.Errorf("upload %s: %s", u.fileName, u.errText)
	}
	delete(s.byJob, jobID)
	s.finalized = slices.DeleteFunc(s.finalized, func(id string) bool { return id == jobID })
	in, _ := s.getLocked(u.fileID)
	return in, nil
}

func (s *InputsStore) getLocked(id string) (models.Input, bool) {
	for _, in := range s.items {
		if in.ID == id {
			return in, true
		}
	}
	return models.Input{}, false
}

// Dismiss removes a failed upload from the in-progress list.
func (s *InputsStore) Dismiss(jobID string) error {
	s.mu.Lock()
	u, ok := s.byJob[jobID]
	if !ok || u.finalized {
		s.mu.Unlock()
		return ErrUnknownUpload
	}
	if !u.failed {
		s.mu.Unlock()
		return ErrUploadInProgress
	}
	s.uploads = slices.DeleteFunc(s.uploads, func(o *upload) bool { return o == u })
	delete(s.byJob, jobID)
	s.mu.Unlock()

	s.Broadcast()
	return nil
}

// Download streams an input file into w and returns its file name.
func (s *InputsStore) Download(ctx context.Context, id string, w io.Writer) (string, error) {
	name, err := s.api.DownloadFile(ctx, id, w)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", id, err)
	}
	return name, nil
}

// Close stops every upload poller.
func (s *InputsStore) Close() {
	s.mu.RLock()
	uploads := slices.Clone(s.uploads)
	s.mu.RUnlock()
	for _, u := range uploads {
		if u.poller != nil {
			u.poller.Stop()
		}
	}
}
