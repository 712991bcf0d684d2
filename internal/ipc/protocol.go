package ipc

// Request is a JSON message sent from client to server.
type Request struct {
	Command string            `json:"command"` // "status", "stop", "ping"
	Args    map[string]string `json:"args,omitempty"`
}

// Response is a JSON message sent from server to client.
type Response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// StatusData is returned by the "status" command.
type StatusData struct {
	Uptime         string `json:"uptime"`
	WatchRoot      string `json:"watch_root"`
	RepositoryRoot string `json:"repository_root"`
	Watches        int    `json:"watches"`
	PendingEvents  int    `json:"pending_events"`
	QueuedBackups  int    `json:"queued_backups"`
	BackupsCount   int64  `json:"backups_count"`
	FailuresCount  int64  `json:"failures_count"`
	BytesCopied    int64  `json:"bytes_copied"`
}

// Activity is a point-in-time view of the running pipeline.
type Activity struct {
	WatchRoot      string
	RepositoryRoot string
	Watches        int
	PendingEvents  int
	QueuedBackups  int
}
