package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"prism/internal/session"
)

// Control socket ops.
const (
	OpStatus    = "status"
	OpHealth    = "health"
	OpOpen      = "open"
	OpPlay      = "play"
	OpPause     = "pause"
	OpSeek      = "seek"
	OpRecognize = "recognize"
	OpNext      = "next"
	OpCancel    = "cancel"
	OpReset     = "reset"
	OpRetry     = "retry"
	OpPressure  = "pressure"
	OpCache     = "cache"
)

// Request is one line of JSON on the control socket.
type Request struct {
	Op    string  `json:"op"`
	Media string  `json:"media,omitempty"`
	Time  float64 `json:"time,omitempty"`
	Start float64 `json:"start,omitempty"`
	End   float64 `json:"end,omitempty"`
	Token string  `json:"token,omitempty"`
	Level string  `json:"level,omitempty"`
	Keys  bool    `json:"keys,omitempty"`
}

type Status struct {
	Running   bool           `json:"running"`
	UptimeSec float64        `json:"uptime_sec"`
	Session   session.Status `json:"session"`
}

type SimpleResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Token   string `json:"token,omitempty"`
	State   string `json:"state,omitempty"`
}

// Call sends req to the daemon listening on socket and decodes one reply
// into resp.
func Call(socket string, req Request, resp any) error {
	conn, err := net.DialTimeout("unix", socket, 2*time.Second)
	if err != nil {
		return fmt.Errorf("cannot connect to daemon: %w", err)
	}
	defer conn.Close()
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return err
	}
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(resp); err != nil {
		return fmt.Errorf("read %s reply: %w", req.Op, err)
	}
	return nil
}

// Command sends req and turns a not-ok reply into an error.
func Command(socket string, req Request) (SimpleResponse, error) {
	var resp SimpleResponse
	if err := Call(socket, req, &resp); err != nil {
		return resp, err
	}
	if !resp.OK {
		return resp, fmt.Errorf("%s failed: %s", req.Op, resp.Message)
	}
	return resp, nil
}
