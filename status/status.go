// Package status defines the status codes returned by all kernel
// operations. Success is zero, errors are positive; the values are part
// of the system call ABI and must not be reordered.
package status

// Status is a kernel status code. It implements error so kernel
// internals can pass codes through error-returning plumbing.
type Status int32

const (
	Success        Status = 0
	NotImplemented Status = 1
	NotSupported   Status = 2
	WouldBlock     Status = 3
	Interrupted    Status = 4
	TimedOut       Status = 5
	InvalidSyscall Status = 6
	InvalidArg     Status = 7
	InvalidHandle  Status = 8
	InvalidAddr    Status = 9
	InvalidRequest Status = 10
	InvalidEvent   Status = 11
	Overflow       Status = 12
	NoMemory       Status = 13
	NoHandles      Status = 14
	ProcessLimit   Status = 15
	ThreadLimit    Status = 16
	ReadOnly       Status = 17
	PermDenied     Status = 18
	AccessDenied   Status = 19
	NotDir         Status = 20
	NotRegular     Status = 21
	NotSymlink     Status = 22
	NotMount       Status = 23
	NotFound       Status = 24
	NotEmpty       Status = 25
	AlreadyExists  Status = 26
	TooSmall       Status = 27
	TooLarge       Status = 28
	TooLong        Status = 29
	DirFull        Status = 30
	UnknownFS      Status = 31
	CorruptFS      Status = 32
	FSFull         Status = 33
	SymlinkLimit   Status = 34
	InUse          Status = 35
	DeviceError    Status = 36
	StillRunning   Status = 37
	UnknownImage   Status = 38
	MalformedImage Status = 39
	MissingLibrary Status = 40
	MissingSymbol  Status = 41
	TryAgain       Status = 42
	DifferentFS    Status = 43
	IsDir          Status = 44
	ConnHungup     Status = 45
	Cancelled      Status = 46
	IncorrectType  Status = 47
	PipeClosed     Status = 48
)

var strings = [...]string{
	Success:        "operation completed successfully",
	NotImplemented: "operation not implemented",
	NotSupported:   "operation not supported",
	WouldBlock:     "operation would block",
	Interrupted:    "interrupted while blocking",
	TimedOut:       "timed out while waiting",
	InvalidSyscall: "invalid system call number",
	InvalidArg:     "invalid argument specified",
	InvalidHandle:  "non-existent handle or handle with incorrect type",
	InvalidAddr:    "invalid memory location specified",
	InvalidRequest: "invalid request specified",
	InvalidEvent:   "invalid or unsupported object event specified",
	Overflow:       "integer overflow",
	NoMemory:       "out of memory",
	NoHandles:      "no handles are available",
	ProcessLimit:   "process limit reached",
	ThreadLimit:    "thread limit reached",
	ReadOnly:       "object cannot be modified",
	PermDenied:     "operation not permitted",
	AccessDenied:   "requested access rights denied",
	NotDir:         "path component is not a directory",
	NotRegular:     "path does not refer to a regular file",
	NotSymlink:     "path does not refer to a symbolic link",
	NotMount:       "path does not refer to root of a mount",
	NotFound:       "requested object could not be found",
	NotEmpty:       "directory is not empty",
	AlreadyExists:  "object already exists",
	TooSmall:       "provided buffer is too small",
	TooLarge:       "provided buffer is too large",
	TooLong:        "provided string is too long",
	DirFull:        "directory is full",
	UnknownFS:      "filesystem has an unrecognised format",
	CorruptFS:      "corruption detected on the filesystem",
	FSFull:         "no space is available on the filesystem",
	SymlinkLimit:   "exceeded nested symbolic link limit",
	InUse:          "object is in use",
	DeviceError:    "an error occurred during a hardware operation",
	StillRunning:   "process or thread is still running",
	UnknownImage:   "executable image has an unrecognised format",
	MalformedImage: "executable image format is incorrect",
	MissingLibrary: "required library not found",
	MissingSymbol:  "referenced symbol not found",
	TryAgain:       "attempt the operation again",
	DifferentFS:    "link source and destination on different filesystems",
	IsDir:          "path refers to a directory",
	ConnHungup:     "connection was hung up",
	Cancelled:      "operation was cancelled",
	IncorrectType:  "object is not of the correct type",
	PipeClosed:     "read end of pipe has been closed",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(strings) {
		return "unknown status"
	}
	return strings[s]
}

func (s Status) Error() string {
	return s.String()
}

// Err returns s as an error, or nil on Success. Kernel-internal code
// that plumbs through error returns uses this at the boundary.
func (s Status) Err() error {
	if s == Success {
		return nil
	}
	return s
}

// FromErr extracts a Status from an error chain, mapping unknown errors
// to a generic failure so foreign errors never leak to userspace.
func FromErr(err error) Status {
	if err == nil {
		return Success
	}
	for {
		if st, ok := err.(Status); ok {
			return st
		}
		type causer interface{ Cause() error }
		type wrapper interface{ Unwrap() error }
		switch e := err.(type) {
		case causer:
			err = e.Cause()
		case wrapper:
			err = e.Unwrap()
		default:
			return DeviceError
		}
	}
}
