package store

import (
	"sync"

	"github.com/raphaelgruber/omnisync/internal/models"
	"github.com/raphaelgruber/omnisync/internal/poller"
)

// UploadPhase is the lifecycle position of an upload.
type UploadPhase string

const (
	// PhaseSubmitting means the transport call is in flight and the job has not finished.
	PhaseSubmitting UploadPhase = "submitting"
	// PhaseAwaitingAck means the job completed but the transport has not returned.
	PhaseAwaitingAck UploadPhase = "awaiting-server-ack"
	// PhaseProcessing means the server acknowledged the file and the job is running.
	PhaseProcessing UploadPhase = "processing"
	PhaseFinalized  UploadPhase = "finalized"
	PhaseFailed     UploadPhase = "failed"
)

// FileInProgress is a snapshot of an upload that has not been finalized.
// Size is zero until the server reports it.
type FileInProgress struct {
	JobID    string           `json:"job_id" yaml:"job_id"`
	FileName string           `json:"file_name" yaml:"file_name"`
	FileID   string           `json:"file_id,omitempty" yaml:"file_id,omitempty"`
	Size     int64            `json:"size" yaml:"size"`
	Progress float64          `json:"progress" yaml:"progress"`
	Status   models.JobStatus `json:"status" yaml:"status"`
	Phase    UploadPhase      `json:"phase" yaml:"phase"`
	Error    string           `json:"error,omitempty" yaml:"error,omitempty"`
}

// upload is guarded by the owning InputsStore lock.
type upload struct {
	jobID    string
	fileName string
	username string
	poller   *poller.Poller

	fileID   string
	size     int64
	progress float64
	status   models.JobStatus
	errText  string

	responded bool
	jobDone   bool
	finalized bool
	failed    bool

	done     chan struct{}
	doneOnce sync.Once
}

func newUpload(jobID, fileName, username string) *upload {
	return &upload{
		jobID:    jobID,
		fileName: fileName,
		username: username,
		status:   models.JobStatusRunning,
		done:     make(chan struct{}),
	}
}

func (u *upload) phase() UploadPhase {
	switch {
	case u.failed:
		return PhaseFailed
	case u.finalized:
		return PhaseFinalized
	case u.jobDone && !u.responded:
		return PhaseAwaitingAck
	case u.responded && !u.jobDone:
		return PhaseProcessing
	default:
		return PhaseSubmitting
	}
}

func (u *upload) failLocked(msg string) {
	if u.finalized || u.failed {
		return
	}
	u.failed = true
	u.status = models.JobStatusFailed
	u.errText = msg
	u.finish()
}

func (u *upload) finish() {
	u.doneOnce.Do(func() { close(u.done) })
}

func (u *upload) snapshot() FileInProgress {
	return FileInProgress{
		JobID:    u.jobID,
		FileName: u.fileName,
		FileID:   u.fileID,
		Size:     u.size,
		Progress: u.progress,
		Status:   u.status,
		Phase:    u.phase(),
		Error:    u.errText,
	}
}
