package api

// Tag is the ASCII prefix that classifies a protocol message. The payload follows the tag
// immediately, with no length field.
type Tag string

const (
	// TagJobRequest carries a Job from a client to a validator.
	TagJobRequest Tag = "JOBREQ"
	// TagJobOffer carries a ModuleOffer from a validator to a worker.
	TagJobOffer Tag = "JOBOFFER"
	// TagAcceptJob carries an OfferReply from a worker that accepted a module.
	TagAcceptJob Tag = "ACCEPTJOB"
	// TagDeclineJob carries an OfferReply from a worker that declined a module.
	TagDeclineJob Tag = "DECLINEJOB"
	// TagJobAssignment carries the final Assignment from a validator back to the job author.
	TagJobAssignment Tag = "JOBASSIGN"
	// TagHello announces the role of the sending peer.
	TagHello Tag = "HELLO"
	// TagStatsRequest asks a worker to report its WorkerStats.
	TagStatsRequest Tag = "STATREQ"
	// TagStats carries WorkerStats.
	TagStats Tag = "STATS"
)

// knownTags is ordered longest first so that prefix classification never picks a shorter tag
// that happens to prefix a longer one.
var knownTags = []Tag{
	TagDeclineJob,
	TagAcceptJob,
	TagJobAssignment,
	TagJobOffer,
	TagStatsRequest,
	TagJobRequest,
	TagHello,
	TagStats,
}

func (t Tag) String() string {
	return string(t)
}
