package telemetry

import "encoding/json"

// Event is the closed set of messages published for a job: Progress, Log
// and Done.
type Event interface {
	Job() string
	json.Marshaler
	isEvent()
}

// Progress carries a progress update of a job.
type Progress struct {
	JobID   string
	Current int
	Total   int
}

func (e Progress) Job() string { return e.JobID }
func (Progress) isEvent()      {}

// Percent is the value sent to clients.
func (e Progress) Percent() int {
	return ProgressUpdate{Current: e.Current, Total: e.Total}.Percent()
}

func (e Progress) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Progress int `json:"progress"`
	}{e.Percent()})
}

// Log carries one line of worker output or a note from the orchestrator.
type Log struct {
	JobID string
	Line  string
}

func (e Log) Job() string { return e.JobID }
func (Log) isEvent()      {}

func (e Log) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Log string `json:"log"`
	}{e.Line})
}

// Done is the terminal event of a job.
type Done struct {
	JobID string
}

func (e Done) Job() string { return e.JobID }
func (Done) isEvent()      {}

func (e Done) MarshalJSON() ([]byte, error) {
	return []byte(`{"done":true}`), nil
}

// FromRecord tags a parsed record with a job id.
func FromRecord(jobID string, r Record) Event {
	switch r := r.(type) {
	case ProgressUpdate:
		return Progress{JobID: jobID, Current: r.Current, Total: r.Total}
	case LogLine:
		return Log{JobID: jobID, Line: string(r)}
	default:
		panic("telemetry: unknown record type")
	}
}
