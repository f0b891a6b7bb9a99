package main

import (
	"encoding/json"
	"iter"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rickgao/realtime-client/internal/connection"
	"github.com/rickgao/realtime-client/internal/journal"
	"github.com/rickgao/realtime-client/internal/subscription"
	"github.com/rickgao/realtime-client/internal/version"
)

// clientStatus is the part of the Manager the health routes read.
type clientStatus interface {
	ClientID() string
	Stats() connection.ManagerStats
	Subscriptions() iter.Seq[subscription.Subscription]
}

// hostStatus is the part of the lifecycle Adapter the health route reads.
type hostStatus interface {
	InBackground() bool
	NetworkAvailable() bool
}

type healthResponse struct {
	Status         string         `json:"status"`
	State          string         `json:"state"`
	ClientID       string         `json:"client_id"`
	Attempt        int            `json:"attempt"`
	Dials          int64          `json:"dials"`
	Reconnects     int64          `json:"reconnects"`
	FramesIn       int64          `json:"frames_in"`
	FramesOut      int64          `json:"frames_out"`
	DroppedFrames  int64          `json:"dropped_frames"`
	Subscriptions  int            `json:"subscriptions"`
	ConnectedSince *time.Time     `json:"connected_since,omitempty"`
	Router         routerStats    `json:"router"`
	Heartbeat      heartbeatStats `json:"heartbeat"`
	Journal        *journal.Stats `json:"journal,omitempty"`
	Host           *hostView      `json:"host,omitempty"`
	Version        version.Info   `json:"version"`
}

type routerStats struct {
	Received        int64 `json:"received"`
	Routed          int64 `json:"routed"`
	Unknown         int64 `json:"unknown"`
	ParseErrors     int64 `json:"parse_errors"`
	HandlerFailures int64 `json:"handler_failures"`
}

type heartbeatStats struct {
	Running    bool          `json:"running"`
	Interval   string        `json:"interval"`
	PingsSent  int64         `json:"pings_sent"`
	Pongs      int64         `json:"pongs"`
	LastPongAt *time.Time    `json:"last_pong_at,omitempty"`
	LastRTT    time.Duration `json:"last_rtt_ns"`
}

type hostView struct {
	Background bool `json:"background"`
	NetworkUp  bool `json:"network_up"`
}

type subscriptionView struct {
	Channel   string              `json:"channel"`
	Params    subscription.Params `json:"params,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// newHealthRouter serves /health, /version and the subscription debug
// routes. writer may be nil when the journal is disabled, host when no
// lifecycle adapter runs.
func newHealthRouter(client clientStatus, writer *journal.Writer, host hostStatus) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		resp := buildHealth(client)
		if writer != nil {
			stats := writer.Stats()
			resp.Journal = &stats
		}
		if host != nil {
			resp.Host = &hostView{
				Background: host.InBackground(),
				NetworkUp:  host.NetworkAvailable(),
			}
		}

		code := http.StatusOK
		if resp.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}).Methods(http.MethodGet)

	r.HandleFunc("/version", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	}).Methods(http.MethodGet)

	r.HandleFunc("/debug/subscriptions", func(w http.ResponseWriter, req *http.Request) {
		views := []subscriptionView{}
		for s := range client.Subscriptions() {
			views = append(views, viewOf(s))
		}
		writeJSON(w, http.StatusOK, views)
	}).Methods(http.MethodGet)

	r.HandleFunc("/debug/subscriptions/{channel}", func(w http.ResponseWriter, req *http.Request) {
		channel := mux.Vars(req)["channel"]
		for s := range client.Subscriptions() {
			if s.Channel == channel {
				writeJSON(w, http.StatusOK, viewOf(s))
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "subscription not found"})
	}).Methods(http.MethodGet)

	return r
}

// buildHealth maps the client state to a status: connected is healthy,
// failed is unhealthy, anything in between is degraded.
func buildHealth(client clientStatus) healthResponse {
	st := client.Stats()

	status := "degraded"
	switch st.State {
	case connection.StateConnected:
		status = "healthy"
	case connection.StateFailed:
		status = "unhealthy"
	}

	resp := healthResponse{
		Status:        status,
		State:         st.State.String(),
		ClientID:      client.ClientID(),
		Attempt:       st.Attempt,
		Dials:         st.Dials,
		Reconnects:    st.Reconnects,
		FramesIn:      st.FramesIn,
		FramesOut:     st.FramesOut,
		DroppedFrames: st.DroppedFrames,
		Subscriptions: st.Subscriptions,
		Router: routerStats{
			Received:        st.Router.MessagesReceived,
			Routed:          st.Router.MessagesRouted,
			Unknown:         st.Router.UnknownMessages,
			ParseErrors:     st.Router.ParseErrors,
			HandlerFailures: st.Router.HandlerFailures,
		},
		Heartbeat: heartbeatStats{
			Running:   st.Heartbeat.Running,
			Interval:  st.Heartbeat.Interval.String(),
			PingsSent: st.Heartbeat.PingsSent,
			Pongs:     st.Heartbeat.PongsReceived,
			LastRTT:   st.Heartbeat.LastRTT,
		},
		Version: version.Get(),
	}
	if !st.ConnectedSince.IsZero() {
		t := st.ConnectedSince
		resp.ConnectedSince = &t
	}
	if !st.Heartbeat.LastPongAt.IsZero() {
		t := st.Heartbeat.LastPongAt
		resp.Heartbeat.LastPongAt = &t
	}
	return resp
}

func viewOf(s subscription.Subscription) subscriptionView {
	return subscriptionView{
		Channel:   s.Channel,
		Params:    s.Params,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
