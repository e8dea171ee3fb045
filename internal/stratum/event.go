package stratum

// EventKind identifies a decoded inbound message
type EventKind int

const (
	// EventConfigured answers mining.configure
	EventConfigured EventKind = iota + 1
	// EventConnected answers mining.subscribe
	EventConnected
	// EventAuthorized answers a successful mining.authorize
	EventAuthorized
	// EventShareResult answers mining.submit
	EventShareResult
	// EventVersionMask is a mining.set_version_mask notification
	EventVersionMask
	// EventDifficulty is a mining.set_difficulty notification
	EventDifficulty
	// EventJob is a mining.notify that keeps in-flight work valid
	EventJob
	// EventCleanJobs is a mining.notify that invalidates in-flight work
	EventCleanJobs
)

// String returns string representation of the kind
func (k EventKind) String() string {
	switch k {
	case EventConfigured:
		return "configured"
	case EventConnected:
		return "connected"
	case EventAuthorized:
		return "authorized"
	case EventShareResult:
		return "share_result"
	case EventVersionMask:
		return "version_mask"
	case EventDifficulty:
		return "difficulty"
	case EventJob:
		return "job"
	case EventCleanJobs:
		return "clean_jobs"
	default:
		return "unknown"
	}
}

// Event is one decoded pool message. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// EventConfigured, EventVersionMask
	VersionRolling bool
	VersionMask    uint32

	// EventConnected
	ExtraNonce1     []byte
	ExtraNonce2Size int

	// EventShareResult; counters are cumulative for the connection
	Accepted   uint64
	Rejected   uint64
	ShareError *Error

	// EventDifficulty
	Difficulty float64

	// EventJob, EventCleanJobs
	Job *Job
}
