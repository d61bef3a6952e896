package api

import "time"

// PeerId identifies a node on the network.
type PeerId string

// Role is the part a peer plays in the network.
type Role string

const (
	RoleValidator Role = "validator"
	RoleWorker    Role = "worker"
	RoleUser      Role = "user"
)

var validRoles = map[Role]bool{
	RoleValidator: true,
	RoleWorker:    true,
	RoleUser:      true,
}

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	return validRoles[r]
}

// Module is one unit of a job's workload. Size is the memory a worker needs to host it.
type Module struct {
	Id   string `json:"module_id"`
	Size int64  `json:"size"`
}

// Job is a distributable workload submitted by a client. The order of Distribution defines
// recruitment priority.
type Job struct {
	Id           string    `json:"id"`
	Author       PeerId    `json:"author"`
	Capacity     int64     `json:"capacity"`
	DpFactor     int       `json:"dp_factor"`
	Distribution []Module  `json:"distribution"`
	Loss         []float64 `json:"loss"`
	Accuracy     []float64 `json:"accuracy"`
}

// ModuleOffer asks a worker to host a module.
type ModuleOffer struct {
	RecruitmentId string `json:"recruitment_id"`
	JobId         string `json:"job_id"`
	ModuleId      string `json:"module_id"`
	ModuleSize    int64  `json:"module_size"`
}

// Reply builds the OfferReply a worker sends back for this offer.
func (o ModuleOffer) Reply() OfferReply {
	return OfferReply{RecruitmentId: o.RecruitmentId, ModuleId: o.ModuleId}
}

// OfferReply is the payload of both ACCEPTJOB and DECLINEJOB.
type OfferReply struct {
	RecruitmentId string `json:"recruitment_id"`
	ModuleId      string `json:"module_id"`
}

type AssignmentStatus string

const (
	// AssignmentComplete means every module has a worker.
	AssignmentComplete AssignmentStatus = "complete"
	// AssignmentPartial means at least one, but not every, module has a worker.
	AssignmentPartial AssignmentStatus = "partial"
	// AssignmentFailed means no module has a worker.
	AssignmentFailed AssignmentStatus = "failed"
	// AssignmentRejected means the validator did not start recruitment for the job.
	AssignmentRejected AssignmentStatus = "rejected"
)

// ModuleAssignment is one slot of an Assignment. WorkerId is empty when no worker was
// recruited, in which case Reason says why.
type ModuleAssignment struct {
	ModuleId string `json:"module_id"`
	WorkerId PeerId `json:"worker_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (m ModuleAssignment) Assigned() bool {
	return m.WorkerId != ""
}

// Assignment is the ordered module to worker mapping returned to the job author. It has one
// entry per module of the job, in distribution order.
type Assignment struct {
	JobId         string             `json:"job_id"`
	RecruitmentId string             `json:"recruitment_id"`
	Status        AssignmentStatus   `json:"status"`
	Modules       []ModuleAssignment `json:"modules"`
	Message       string             `json:"message,omitempty"`
}

// AssignedCount returns the number of modules that have a worker.
func (a *Assignment) AssignedCount() int {
	n := 0
	for _, m := range a.Modules {
		if m.Assigned() {
			n++
		}
	}
	return n
}

// StatusFor derives the status of an assignment from how many of its modules were assigned.
func StatusFor(assigned, total int) AssignmentStatus {
	switch {
	case total > 0 && assigned == total:
		return AssignmentComplete
	case assigned > 0:
		return AssignmentPartial
	default:
		return AssignmentFailed
	}
}

// WorkerStats is the capability report of a worker.
type WorkerStats struct {
	Memory   int64     `json:"memory"`
	Training bool      `json:"training"`
	Reported time.Time `json:"reported"`
}

// Hello announces the sender's role. Reply is set on the answer to a hello so the exchange
// stops after one round trip.
type Hello struct {
	Role  Role `json:"role"`
	Reply bool `json:"reply,omitempty"`
}
