package control

import "time"

// Request is one line of JSON sent over the control socket.
type Request struct {
	Op   string            `json:"op"`
	Args map[string]string `json:"args,omitempty"`
}

// Status is the daemon's answer to the status op.
type Status struct {
	Running     bool         `json:"running"`
	UptimeSec   float64      `json:"uptime_sec"`
	Provider    string       `json:"provider"`
	State       string       `json:"state"`
	Streaming   bool         `json:"streaming"`
	Partial     string       `json:"partial,omitempty"`
	ServerPID   int          `json:"server_pid,omitempty"`
	Transcripts []Transcript `json:"transcripts"`
}

type SimpleResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Transcript is one finished recording's text.
type Transcript struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
