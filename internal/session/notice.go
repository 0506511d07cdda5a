package session

// NoticeKind classifies user-visible notices.
type NoticeKind int

const (
	// FetchFailed is raised when a sound resource could not be loaded.
	FetchFailed NoticeKind = iota + 1
	// MinimumGeometry is raised when a gesture had too few points for what
	// it was meant to create.
	MinimumGeometry
	// FocusLost is raised when the entity being edited was deleted remotely.
	FocusLost
)

func (k NoticeKind) String() string {
	switch k {
	case FetchFailed:
		return "fetch_failed"
	case MinimumGeometry:
		return "minimum_geometry"
	case FocusLost:
		return "focus_lost"
	default:
		return "unknown"
	}
}

// Notice is something the user should be told about.
type Notice struct {
	Kind   NoticeKind
	Entity string
	Err    error
}

// Notifier receives notices on the session loop.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}
