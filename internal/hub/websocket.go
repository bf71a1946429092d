package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"shiftwatch/internal/auth"
	"shiftwatch/internal/model"
)

// SnapshotSource provides the initial state for a new observer.
type SnapshotSource interface {
	Snapshot(ctx context.Context, companyID string) (model.SnapshotPayload, error)
}

type errorFrame struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type authFrame struct {
	Token string `json:"token"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler upgrades the request and serves one observer. The token comes
// from the Authorization header, the token query parameter, or a first
// {"token": "..."} message sent within the auth timeout.
func (h *Hub) Handler(validator auth.Validator, snapshots SnapshotSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("websocket upgrade failed", "err", err)
			return
		}
		defer conn.Close()

		id, err := h.authenticate(r, conn, validator)
		if err != nil {
			h.logger.Info("observer authentication failed", "remote", r.RemoteAddr, "err", err)
			h.writeJSON(conn, errorFrame{Type: "error", Error: "authentication_error", Reason: err.Error()})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
				time.Now().Add(h.writeWait()))
			return
		}

		client := h.Register(id)
		defer h.Unregister(client)

		snap, err := snapshots.Snapshot(r.Context(), id.CompanyID)
		if err != nil {
			h.logger.Error("build observer snapshot", "company_id", id.CompanyID, "err", err)
			h.writeJSON(conn, errorFrame{Type: "error", Error: "internal_error", Reason: "snapshot unavailable"})
			return
		}
		if !id.Role.Supervises() {
			snap.Employees = ownEntry(snap.Employees, id.EmployeeID)
		}
		if err := h.writeJSON(conn, model.Delta{
			Type:      model.DeltaSnapshot,
			CompanyID: id.CompanyID,
			Timestamp: time.Now().UTC(),
			Payload:   snap,
		}); err != nil {
			return
		}
		h.logger.Info("observer connected",
			"employee_id", id.EmployeeID,
			"company_id", id.CompanyID,
			"role", id.Role,
		)
		h.serve(conn, client)
	})
}

func ownEntry(all []model.LiveEmployee, employeeID string) []model.LiveEmployee {
	out := []model.LiveEmployee{}
	for _, e := range all {
		if e.EmployeeID == employeeID {
			out = append(out, e)
		}
	}
	return out
}

func (h *Hub) authenticate(r *http.Request, conn *websocket.Conn, v auth.Validator) (model.Identity, error) {
	if token := auth.TokenFromRequest(r); token != "" {
		return v.Validate(r.Context(), token)
	}
	timeout := h.cfg.AuthTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var frame authFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return model.Identity{}, model.ErrAuthentication
	}
	_ = conn.SetReadDeadline(time.Time{})
	return v.Validate(r.Context(), frame.Token)
}

func (h *Hub) writeWait() time.Duration {
	if h.cfg.WriteWait > 0 {
		return h.cfg.WriteWait
	}
	return 10 * time.Second
}

func (h *Hub) writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait()))
	return conn.WriteJSON(v)
}

// serve pumps queued deltas to the connection until the client is
// unregistered or the peer goes away.
func (h *Hub) serve(conn *websocket.Conn, client *Client) {
	pongWait := h.cfg.PongWait
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	pingPeriod := h.cfg.PingPeriod
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = pongWait * 9 / 10
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		// Observers send nothing meaningful; reading keeps control frames
		// flowing and notices a closed peer.
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-client.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait()))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("observer write failed", "employee_id", client.identity.EmployeeID, "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeWait())); err != nil {
				return
			}
		case <-client.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "disconnected"),
				time.Now().Add(h.writeWait()))
			return
		case <-gone:
			return
		}
	}
}

