package worker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType represents the kind of work a job carries
type JobType string

const (
	JobTypeDeploy  JobType = "deploy"
	JobTypeDestroy JobType = "destroy"
)

// Job is a unit of deployment work executed by a worker
type Job struct {
	ID           string    `json:"id"`
	Type         JobType   `json:"type"`
	DeploymentID int64     `json:"deployment_id"`
	CreatedAt    time.Time `json:"created_at"`
	Retries      int       `json:"retries"`

	// payload is the encoding the job was dequeued as.
	payload string
}

// NewDeployJob creates a new deploy job
func NewDeployJob(deploymentID int64) *Job {
	return newJob(JobTypeDeploy, deploymentID)
}

// NewDestroyJob creates a new destroy job
func NewDestroyJob(deploymentID int64) *Job {
	return newJob(JobTypeDestroy, deploymentID)
}

func newJob(t JobType, deploymentID int64) *Job {
	return &Job{
		ID:           string(t) + ":" + uuid.NewString(),
		Type:         t,
		DeploymentID: deploymentID,
		CreatedAt:    time.Now(),
	}
}

// Marshal serializes the job to JSON
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob deserializes a job from JSON
func UnmarshalJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
