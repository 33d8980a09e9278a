package fastboot

import "time"

// Op is what an Action does.
type Op int

const (
	OpDownload Op = iota
	OpCommand
	OpQuery
	OpNotice
	OpDownloadFd
	OpWaitForDisconnect
)

func (o Op) String() string {
	switch o {
	case OpDownload:
		return "download"
	case OpCommand:
		return "command"
	case OpQuery:
		return "query"
	case OpNotice:
		return "notice"
	case OpDownloadFd:
		return "download-fd"
	default:
		return "wait-for-disconnect"
	}
}

// Status is the outcome passed to an action callback.
type Status int

const (
	StatusOkay Status = iota
	StatusFail
)

// Callback is invoked once per executed action.
type Callback func(a *Action, status Status, response string)

// Action is one queued bootloader operation.
type Action struct {
	Op Op
	// Cmd is the command text, or the message of a notice.
	Cmd string
	// Data is the payload of OpDownload.
	Data []byte
	// Path is the source file of OpDownloadFd.
	Path string
	// Callback overrides the engine's default callback.
	Callback Callback

	// Result holds the OKAY text once the action succeeded.
	Result  string
	Elapsed time.Duration
}

func (s Status) String() string {
	if s == StatusOkay {
		return "okay"
	}
	return "fail"
}
