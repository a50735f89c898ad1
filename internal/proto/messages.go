package proto

import "time"

// State is the document served on /api/state.
type State struct {
	Listen      string     `json:"listen"`
	Upstream    string     `json:"upstream"`
	Mode        string     `json:"mode"`
	Ready       bool       `json:"ready"`
	Closing     bool       `json:"closing"`
	Active      int        `json:"active"`
	Total       int64      `json:"total"`
	Rejected    int64      `json:"rejected"`
	Failed      int64      `json:"failed"`
	BytesUp     int64      `json:"bytes_up"`
	BytesDown   int64      `json:"bytes_down"`
	Connections []ConnInfo `json:"connections"`
	Now         time.Time  `json:"now"`
}

// ConnInfo describes one in-flight connection.
type ConnInfo struct {
	ID        string    `json:"id"`
	Peer      string    `json:"peer"`
	State     string    `json:"state"`
	Started   time.Time `json:"started"`
	BytesUp   int64     `json:"bytes_up"`   // client -> upstream
	BytesDown int64     `json:"bytes_down"` // upstream -> client
}
