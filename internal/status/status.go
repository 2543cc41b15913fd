// Package status implements the daemon's HTTP status/admin surface: a
// small gorilla/mux router serving process counters, the discard report,
// and the current cluster metadata view.
// The daemon binds this surface's listener before starting any input
// source, so a second instance on the same host fails fast on the bind
// rather than silently double-accepting client traffic.
package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	uatomic "go.uber.org/atomic"

	"github.com/dory-project/dory/internal/discard"
	"github.com/dory-project/dory/internal/metadata"
)

// Counters are the daemon-wide admission/delivery counters the status
// surface reports; input sources and core's dispatch-result handling
// increment these directly as messages move through the pipeline.
type Counters struct {
	Admitted  uatomic.Int64
	Acked     uatomic.Int64
	Discarded uatomic.Int64
}

// Server is the status HTTP surface.
type Server struct {
	addr       string
	version    string
	startedAt  time.Time
	counters   *Counters
	tracker    *discard.Tracker
	snapshot   func() *metadata.Snapshot
	httpServer *http.Server
}

// New builds a Server; call Bind then Serve to start it.
func New(addr, version string, counters *Counters, tracker *discard.Tracker, snapshot func() *metadata.Snapshot) *Server {
	s := &Server{
		addr:      addr,
		version:   version,
		startedAt: time.Now(),
		counters:  counters,
		tracker:   tracker,
		snapshot:  snapshot,
	}
	r := mux.NewRouter()
	r.HandleFunc("/sys/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/sys/counters", s.handleCounters).Methods(http.MethodGet)
	r.HandleFunc("/sys/discards", s.handleDiscards).Methods(http.MethodGet)
	r.HandleFunc("/sys/discards/reset", s.handleDiscardsReset).Methods(http.MethodPost)
	r.HandleFunc("/sys/metadata", s.handleMetadata).Methods(http.MethodGet)
	s.httpServer = &http.Server{Handler: r}
	return s
}

// Bind opens the listener. Call this before starting any input source;
// an error here (most likely address-in-use, meaning another dory is
// already running) should be treated as fatal.
func (s *Server) Bind() (net.Listener, error) {
	return net.Listen("tcp", s.addr)
}

// Serve blocks serving HTTP on ln until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server. The shutdown coordinator
// calls this only after the discard report has been finalized, so a
// client polling /sys/discards during shutdown still sees the complete
// picture.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		Version   string `json:"version"`
		UptimeSec int64  `json:"uptimeSec"`
	}{Version: s.version, UptimeSec: int64(time.Since(s.startedAt).Seconds())})
}

func (s *Server) handleCounters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		Admitted  int64 `json:"admitted"`
		Acked     int64 `json:"acked"`
		Discarded int64 `json:"discarded"`
	}{
		Admitted:  s.counters.Admitted.Load(),
		Acked:     s.counters.Acked.Load(),
		Discarded: s.counters.Discarded.Load(),
	})
}

type discardRecordView struct {
	Topic     string `json:"topic,omitempty"`
	Reason    string `json:"reason"`
	ErrorCode int16  `json:"brokerErrorCode,omitempty"`
	Count     int64  `json:"count"`
	FirstSeen string `json:"firstSeen"`
	LastSeen  string `json:"lastSeen"`
}

func (s *Server) handleDiscards(w http.ResponseWriter, _ *http.Request) {
	report := s.tracker.Report()
	views := make([]discardRecordView, 0, len(report))
	for _, rec := range report {
		views = append(views, discardRecordView{
			Topic:     rec.Topic,
			Reason:    rec.Reason.Kind.String(),
			ErrorCode: rec.Reason.BrokerErrCode,
			Count:     rec.Count,
			FirstSeen: rec.FirstSeen.Format(time.RFC3339),
			LastSeen:  rec.LastSeen.Format(time.RFC3339),
		})
	}
	writeJSON(w, views)
}

// handleDiscardsReset clears the bounded report only; the monotonic
// global counters it's layered over are untouched, so calling this
// endpoint twice in a row is equivalent to calling it once.
func (s *Server) handleDiscardsReset(w http.ResponseWriter, _ *http.Request) {
	s.tracker.Reset()
	w.WriteHeader(http.StatusNoContent)
}

type brokerView struct {
	ID   int32  `json:"id"`
	Host string `json:"host"`
	Port int32  `json:"port"`
}

type partitionView struct {
	ID     int32 `json:"id"`
	Leader int32 `json:"leader"`
}

type topicView struct {
	Name       string          `json:"name"`
	Partitions []partitionView `json:"partitions"`
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	brokers := make([]brokerView, 0, len(snap.Brokers))
	for _, b := range snap.Brokers {
		brokers = append(brokers, brokerView{ID: b.ID, Host: b.Host, Port: b.Port})
	}
	topics := make([]topicView, 0, len(snap.Topics))
	for _, t := range snap.Topics {
		tv := topicView{Name: t.Name}
		for _, p := range t.Partitions {
			tv.Partitions = append(tv.Partitions, partitionView{ID: p.ID, Leader: p.LeaderID})
		}
		topics = append(topics, tv)
	}
	writeJSON(w, struct {
		FetchedAt string          `json:"fetchedAt"`
		Brokers   []brokerView    `json:"brokers"`
		Topics    []topicView     `json:"topics"`
	}{
		FetchedAt: snap.FetchedAt.Format(time.RFC3339),
		Brokers:   brokers,
		Topics:    topics,
	})
}
