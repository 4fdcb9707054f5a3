// Package wireproto implements the manager-worker command protocol (§6.1)
// as a single tagged-union message type parsed once at the line-transport
// boundary, replacing the original's scanf-style ad-hoc dispatch per the
// "ad-hoc line formats" redesign note. It also implements the recursive
// file-tree transfer grammar (§6.2).
package wireproto

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Verb identifies the kind of message on the manager-worker link.
type Verb string

const (
	VerbTask           Verb = "task"
	VerbFile           Verb = "file"
	VerbDir            Verb = "dir"
	VerbPutURL         Verb = "puturl"
	VerbMiniTask       Verb = "mini_task"
	VerbUnlink         Verb = "unlink"
	VerbGetFile        Verb = "getfile"
	VerbGet            Verb = "get"
	VerbKill           Verb = "kill"
	VerbRelease        Verb = "release"
	VerbExit           Verb = "exit"
	VerbCheck          Verb = "check"
	VerbSendResults    Verb = "send_results"
	VerbTaskVine       Verb = "taskvine"
	VerbInfo           Verb = "info"
	VerbFeature        Verb = "feature"
	VerbTransferAddr   Verb = "transfer-address"
	VerbAvailable      Verb = "available_results"
	VerbResult         Verb = "result"
	VerbEnd            Verb = "end"
	VerbAlive          Verb = "alive"
	VerbCacheUpdate    Verb = "cache-update"
	VerbCacheInvalid   Verb = "cache-invalid"
)

// Message is the parsed form of one protocol line (plus any binary payload
// that follows it). Exactly one of the typed payload fields is meaningful,
// selected by Verb.
type Message struct {
	Verb Verb
	Raw  string // original line, for error messages and logging

	// task
	TaskID int64

	// file / dir / mini_task
	Name string
	Size int64
	Mode uint32

	// puturl
	Source     string
	TransferID string

	// unlink / getfile / get
	// Name above is reused

	// kill
	KillID int64 // -1 means all

	// send_results
	Count int

	// result
	Result    int
	ExitCode  int
	StdoutLen int64
	StartUS   int64
	EndUS     int64

	// info
	InfoKey   string
	InfoValue string

	// feature
	Feature string

	// transfer-address
	Host string
	Port int

	// cache-update
	TransferTimeUS int64

	// cache-invalid
	ErrLen int64
}

// ErrUnknownVerb is returned for any line whose first token is not a
// recognized verb. Per the redesign note, this is a protocol violation:
// callers must close the link.
var ErrUnknownVerb = fmt.Errorf("wireproto: unknown verb")

// Parse turns one protocol line into a Message. It does not read any
// trailing binary payload the verb implies (cmd bytes, file bytes, …);
// callers read those separately via transport.Conn once they know the
// length from the parsed Message.
func Parse(line string) (Message, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Message{}, fmt.Errorf("wireproto: empty line")
	}
	verb := Verb(fields[0])
	m := Message{Verb: verb, Raw: line}
	args := fields[1:]

	switch verb {
	case VerbTask:
		if len(args) < 1 {
			return m, fmt.Errorf("wireproto: task: missing id: %q", line)
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return m, fmt.Errorf("wireproto: task: bad id %q: %w", args[0], err)
		}
		m.TaskID = id

	case VerbFile, VerbDir:
		if len(args) < 1 {
			return m, fmt.Errorf("wireproto: %s: missing name: %q", verb, line)
		}
		name, err := url.QueryUnescape(args[0])
		if err != nil {
			return m, fmt.Errorf("wireproto: %s: bad name encoding: %w", verb, err)
		}
		m.Name = name
		if verb == VerbFile {
			if len(args) < 3 {
				return m, fmt.Errorf("wireproto: file: want NAME SIZE MODE: %q", line)
			}
			size, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return m, fmt.Errorf("wireproto: file: bad size %q: %w", args[1], err)
			}
			mode, err := strconv.ParseUint(args[2], 8, 32)
			if err != nil {
				return m, fmt.Errorf("wireproto: file: bad mode %q: %w", args[2], err)
			}
			m.Size = size
			m.Mode = uint32(mode)
		}

	case VerbPutURL:
		if len(args) < 5 {
			return m, fmt.Errorf("wireproto: puturl: want SRC NAME SIZE MODE TRANSFER_ID: %q", line)
		}
		name, err := url.QueryUnescape(args[1])
		if err != nil {
			return m, fmt.Errorf("wireproto: puturl: bad name encoding: %w", err)
		}
		size, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return m, fmt.Errorf("wireproto: puturl: bad size %q: %w", args[2], err)
		}
		mode, err := strconv.ParseUint(args[3], 8, 32)
		if err != nil {
			return m, fmt.Errorf("wireproto: puturl: bad mode %q: %w", args[3], err)
		}
		m.Source = args[0]
		m.Name = name
		m.Size = size
		m.Mode = uint32(mode)
		m.TransferID = args[4]

	case VerbMiniTask:
		if len(args) < 4 {
			return m, fmt.Errorf("wireproto: mini_task: want ID NAME SIZE MODE: %q", line)
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return m, fmt.Errorf("wireproto: mini_task: bad id %q: %w", args[0], err)
		}
		name, err := url.QueryUnescape(args[1])
		if err != nil {
			return m, fmt.Errorf("wireproto: mini_task: bad name encoding: %w", err)
		}
		size, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return m, fmt.Errorf("wireproto: mini_task: bad size %q: %w", args[2], err)
		}
		mode, err := strconv.ParseUint(args[3], 8, 32)
		if err != nil {
			return m, fmt.Errorf("wireproto: mini_task: bad mode %q: %w", args[3], err)
		}
		m.TaskID = id
		m.Name = name
		m.Size = size
		m.Mode = uint32(mode)

	case VerbUnlink, VerbGetFile, VerbGet:
		if len(args) < 1 {
			return m, fmt.Errorf("wireproto: %s: missing name: %q", verb, line)
		}
		name, err := url.QueryUnescape(args[0])
		if err != nil {
			return m, fmt.Errorf("wireproto: %s: bad name encoding: %w", verb, err)
		}
		m.Name = name

	case VerbKill:
		if len(args) < 1 {
			return m, fmt.Errorf("wireproto: kill: missing id: %q", line)
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return m, fmt.Errorf("wireproto: kill: bad id %q: %w", args[0], err)
		}
		m.KillID = id

	case VerbRelease, VerbExit, VerbCheck:
		// no arguments

	case VerbSendResults:
		if len(args) < 1 {
			return m, fmt.Errorf("wireproto: send_results: missing count: %q", line)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return m, fmt.Errorf("wireproto: send_results: bad count %q: %w", args[0], err)
		}
		m.Count = n

	case VerbTaskVine:
		m.Raw = line // version/host/os/arch/version string, kept raw for the handshake logger

	case VerbInfo:
		if len(args) < 1 {
			return m, fmt.Errorf("wireproto: info: missing key: %q", line)
		}
		m.InfoKey = args[0]
		if len(args) > 1 {
			m.InfoValue = strings.Join(args[1:], " ")
		}

	case VerbFeature:
		if len(args) < 1 {
			return m, fmt.Errorf("wireproto: feature: missing name: %q", line)
		}
		m.Feature = args[0]

	case VerbTransferAddr:
		if len(args) < 2 {
			return m, fmt.Errorf("wireproto: transfer-address: want HOST PORT: %q", line)
		}
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return m, fmt.Errorf("wireproto: transfer-address: bad port %q: %w", args[1], err)
		}
		m.Host = args[0]
		m.Port = port

	case VerbAvailable, VerbEnd, VerbAlive:
		// no arguments

	case VerbResult:
		if len(args) < 6 {
			return m, fmt.Errorf("wireproto: result: want RESULT EXIT STDOUT_LEN START END TASK_ID: %q", line)
		}
		var err error
		if m.Result, err = strconv.Atoi(args[0]); err != nil {
			return m, fmt.Errorf("wireproto: result: bad result code %q: %w", args[0], err)
		}
		if m.ExitCode, err = strconv.Atoi(args[1]); err != nil {
			return m, fmt.Errorf("wireproto: result: bad exit code %q: %w", args[1], err)
		}
		if m.StdoutLen, err = strconv.ParseInt(args[2], 10, 64); err != nil {
			return m, fmt.Errorf("wireproto: result: bad stdout len %q: %w", args[2], err)
		}
		if m.StartUS, err = strconv.ParseInt(args[3], 10, 64); err != nil {
			return m, fmt.Errorf("wireproto: result: bad start ts %q: %w", args[3], err)
		}
		if m.EndUS, err = strconv.ParseInt(args[4], 10, 64); err != nil {
			return m, fmt.Errorf("wireproto: result: bad end ts %q: %w", args[4], err)
		}
		if m.TaskID, err = strconv.ParseInt(args[5], 10, 64); err != nil {
			return m, fmt.Errorf("wireproto: result: bad task id %q: %w", args[5], err)
		}

	case VerbCacheUpdate:
		if len(args) < 5 {
			return m, fmt.Errorf("wireproto: cache-update: want NAME SIZE TRANSFER_TIME START TRANSFER_ID: %q", line)
		}
		name, err := url.QueryUnescape(args[0])
		if err != nil {
			return m, fmt.Errorf("wireproto: cache-update: bad name encoding: %w", err)
		}
		size, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return m, fmt.Errorf("wireproto: cache-update: bad size %q: %w", args[1], err)
		}
		tt, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return m, fmt.Errorf("wireproto: cache-update: bad transfer_time %q: %w", args[2], err)
		}
		start, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return m, fmt.Errorf("wireproto: cache-update: bad start %q: %w", args[3], err)
		}
		m.Name = name
		m.Size = size
		m.TransferTimeUS = tt
		m.StartUS = start
		m.TransferID = args[4]

	case VerbCacheInvalid:
		if len(args) < 2 {
			return m, fmt.Errorf("wireproto: cache-invalid: want NAME ERRLEN TRANSFER_ID: %q", line)
		}
		name, err := url.QueryUnescape(args[0])
		if err != nil {
			return m, fmt.Errorf("wireproto: cache-invalid: bad name encoding: %w", err)
		}
		errLen, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return m, fmt.Errorf("wireproto: cache-invalid: bad errlen %q: %w", args[1], err)
		}
		m.Name = name
		m.ErrLen = errLen
		if len(args) > 2 {
			m.TransferID = args[2]
		}

	default:
		return m, fmt.Errorf("%w: %q", ErrUnknownVerb, fields[0])
	}

	return m, nil
}

// Encode renders a Message back into its wire line (without trailing
// newline or any binary payload).
func (m Message) Encode() string {
	switch m.Verb {
	case VerbTask:
		return fmt.Sprintf("task %d", m.TaskID)
	case VerbFile:
		return fmt.Sprintf("file %s %d 0%o", encodeName(m.Name), m.Size, m.Mode)
	case VerbDir:
		return fmt.Sprintf("dir %s", encodeName(m.Name))
	case VerbPutURL:
		return fmt.Sprintf("puturl %s %s %d 0%o %s", m.Source, encodeName(m.Name), m.Size, m.Mode, m.TransferID)
	case VerbMiniTask:
		return fmt.Sprintf("mini_task %d %s %d 0%o", m.TaskID, encodeName(m.Name), m.Size, m.Mode)
	case VerbUnlink:
		return fmt.Sprintf("unlink %s", encodeName(m.Name))
	case VerbGetFile:
		return fmt.Sprintf("getfile %s", encodeName(m.Name))
	case VerbGet:
		return fmt.Sprintf("get %s", encodeName(m.Name))
	case VerbKill:
		return fmt.Sprintf("kill %d", m.KillID)
	case VerbRelease, VerbExit, VerbCheck, VerbAvailable, VerbEnd, VerbAlive:
		return string(m.Verb)
	case VerbSendResults:
		return fmt.Sprintf("send_results %d", m.Count)
	case VerbInfo:
		if m.InfoValue == "" {
			return fmt.Sprintf("info %s", m.InfoKey)
		}
		return fmt.Sprintf("info %s %s", m.InfoKey, m.InfoValue)
	case VerbFeature:
		return fmt.Sprintf("feature %s", m.Feature)
	case VerbTransferAddr:
		return fmt.Sprintf("transfer-address %s %d", m.Host, m.Port)
	case VerbResult:
		return fmt.Sprintf("result %d %d %d %d %d %d", m.Result, m.ExitCode, m.StdoutLen, m.StartUS, m.EndUS, m.TaskID)
	case VerbCacheUpdate:
		return fmt.Sprintf("cache-update %s %d %d %d %s", encodeName(m.Name), m.Size, m.TransferTimeUS, m.StartUS, m.TransferID)
	case VerbCacheInvalid:
		if m.TransferID == "" {
			return fmt.Sprintf("cache-invalid %s %d", encodeName(m.Name), m.ErrLen)
		}
		return fmt.Sprintf("cache-invalid %s %d %s", encodeName(m.Name), m.ErrLen, m.TransferID)
	default:
		return m.Raw
	}
}

// encodeName URL-encodes a name when it contains characters that would
// break the line grammar (spaces, control characters), per §6.1.
func encodeName(name string) string {
	needsEncoding := false
	for _, r := range name {
		if r <= ' ' || r == '%' {
			needsEncoding = true
			break
		}
	}
	if !needsEncoding {
		return name
	}
	return url.QueryEscape(name)
}
