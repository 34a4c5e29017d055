// Package wire defines the logical message shapes exchanged with background
// workers, and the port pipes that connect workers to each other directly.
//
// Messages form a closed tagged union per direction: Command for
// foreground-to-worker traffic, Event for worker-to-foreground traffic.
// Encoding is not specified here; messages travel in-memory between execution
// units and only their payload fields carry serialized data.
package wire

import "encoding/json"

// Command is a message posted to a worker.
type Command interface{ isCommand() }

// Event is a message emitted by a worker.
type Event interface{ isEvent() }

// InitConfig is the handshake configuration sent on every readiness pass.
type InitConfig struct {
	APIBase    string
	AuthHeader string
}

// Init (re)initializes a worker with API access configuration.
type Init struct {
	Config InitConfig
}

// PGPKeys carries the active account's key material and passphrases.
type PGPKeys struct {
	Account     string
	Keys        []string
	Passphrases map[string]string
}

// Task is a fire-and-forget unit of work; completion arrives as TaskComplete
// or TaskError carrying the same TaskID.
type Task struct {
	TaskID  string
	Kind    string
	Payload json.RawMessage
}

// Request is a request/response unit of work; the reply arrives as
// RequestComplete or RequestError carrying the same RequestID.
type Request struct {
	RequestID string
	Action    string
	Payload   json.RawMessage
}

// ConnectPort hands a port endpoint to the database worker, tagged with the
// identity of the peer on the far end.
type ConnectPort struct {
	WorkerID string
	Port     *Port
}

// ConnectDBPort hands the sync worker its endpoint of the database pipe.
type ConnectDBPort struct {
	Port *Port
}

// ConnectSearchPort hands the sync worker its endpoint of the search pipe.
type ConnectSearchPort struct {
	Port *Port
}

func (Init) isCommand()              {}
func (PGPKeys) isCommand()           {}
func (Task) isCommand()              {}
func (Request) isCommand()           {}
func (ConnectPort) isCommand()       {}
func (ConnectDBPort) isCommand()     {}
func (ConnectSearchPort) isCommand() {}

// Attachment is metadata for one attachment discovered while parsing or
// decrypting a message. Content stays inside the worker.
type Attachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// TaskResult is the outcome of a task.
type TaskResult struct {
	Success     bool         `json:"success"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`
}

// InertTaskResult is the fixed result returned for tasks in bypass mode. The
// success=false shape lets callers' fallback paths engage.
func InertTaskResult() TaskResult {
	return TaskResult{Success: false, Body: "", Attachments: []Attachment{}}
}

// TaskComplete reports a finished task.
type TaskComplete struct {
	TaskID string
	Result TaskResult
}

// TaskError reports a failed task.
type TaskError struct {
	TaskID  string
	Message string
}

// RequestComplete reports a finished request.
type RequestComplete struct {
	RequestID string
	Result    json.RawMessage
}

// RequestError reports a failed request.
type RequestError struct {
	RequestID string
	Message   string
}

// Progress reports incremental progress on a long-running task.
type Progress struct {
	TaskID  string
	Stage   string
	Percent int
}

// Perf reports a timing measurement from inside the worker.
type Perf struct {
	Name     string
	Millis   int64
	Metadata map[string]string
}

func (TaskComplete) isEvent()    {}
func (TaskError) isEvent()       {}
func (RequestComplete) isEvent() {}
func (RequestError) isEvent()    {}
func (Progress) isEvent()        {}
func (Perf) isEvent()            {}
