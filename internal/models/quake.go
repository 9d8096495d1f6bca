package models

import "time"

// QuakePlayer is a single connected client as reported by a getstatus reply.
type QuakePlayer struct {
	Score int    `json:"score"`
	Ping  int    `json:"ping"`
	Name  string `json:"name"`
}

// QuakeServerStatus is a snapshot of a Quake III server built from one getstatus query.
// When Online is false only Error and LastUpdate are meaningful.
type QuakeServerStatus struct {
	Online     bool          `json:"online"`
	Hostname   string        `json:"hostname,omitempty"`
	Mapname    string        `json:"mapname,omitempty"`
	Gametype   string        `json:"gametype,omitempty"`
	MaxClients int           `json:"maxClients"`
	Clients    int           `json:"clients"`
	Players    []QuakePlayer `json:"players,omitempty"`
	Version    string        `json:"version,omitempty"`
	Protocol   int           `json:"protocol"`
	Error      string        `json:"error,omitempty"`
	LastUpdate time.Time     `json:"lastUpdate"`
}

// OfflineStatus builds the status reported when the server could not be queried.
func OfflineStatus(reason string, at time.Time) QuakeServerStatus {
	return QuakeServerStatus{
		Online:     false,
		Error:      reason,
		LastUpdate: at,
	}
}
