package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"net"

	"rekkord/rlog"
)

// controlRequest is what a UI client sends, one JSON object per line.
type controlRequest struct {
	Refresh bool `json:"refresh"`
}

// ItemStatus is one row of the item table the control socket reports.
type ItemStatus struct {
	Channel   string `json:"channel"`
	Clock     string `json:"clock"`
	Days      uint8  `json:"days"`
	Timestamp int64  `json:"timestamp"`
	Success   bool   `json:"success"`
	LastError string `json:"last_error,omitempty"`
}

type controlResponse struct {
	Items []ItemStatus `json:"items"`
}

// serveControl accepts connections on a Unix-domain socket and answers
// newline-delimited JSON requests with the current item table. It returns
// when ctx is cancelled (the listener is closed from a watcher goroutine,
// which unblocks Accept).
func (a *Agent) serveControl(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rlog.Printf("agent: control accept: %v", err)
			return
		}
		go a.serveConn(ctx, conn)
	}
}

func (a *Agent) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var req controlRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			rlog.Printf("agent: control request: %v", err)
			return
		}
		if req.Refresh {
			select {
			case a.refresh <- struct{}{}:
			default: // a refresh is already pending
			}
		}
		if err := encoder.Encode(controlResponse{Items: a.itemTable()}); err != nil {
			return
		}
	}
}

// itemTable snapshots the current plan items as status rows.
func (a *Agent) itemTable() []ItemStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	items := make([]ItemStatus, len(a.items))
	for i, it := range a.items {
		items[i] = ItemStatus{
			Channel:   it.plan.Channel,
			Clock:     it.plan.Clock,
			Days:      it.plan.Days,
			Timestamp: it.plan.LastTimestamp,
			Success:   it.plan.LastSuccess,
			LastError: it.lastError,
		}
	}
	return items
}
