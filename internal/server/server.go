package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dhhagan/go-opc/internal/logger"
	"github.com/dhhagan/go-opc/internal/opc"
)

// Sensor is the slice of the particle-counter driver the dashboard needs.
// *opc.Device satisfies it.
type Sensor interface {
	Histogram() (*opc.HistogramReading, error)
	Ping() error
	Firmware() opc.FirmwareVersion
	Generation() opc.Generation
	InfoString() (string, error)
}

// Server polls the sensor and broadcasts readings to WebSocket clients.
type Server struct {
	cfg    *Config
	sensor Sensor
	webFS  fs.FS
	logger *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	statusMu sync.Mutex
	status   Status
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Reading *opc.HistogramReading `json:"reading,omitempty"`
	Status  *Status               `json:"status,omitempty"`
	Stamp   int64                 `json:"stamp"` // Unix ms
}

// Status reports driver and polling state for /api/status and the initial
// client frame.
type Status struct {
	Firmware       string `json:"firmware"`
	Generation     string `json:"generation"`
	LastReadOK     bool   `json:"lastReadOk"`
	LastError      string `json:"lastError,omitempty"`
	ChecksumErrors int    `json:"checksumErrors"`
	Readings       int    `json:"readings"`
}

// New creates a new Server.
func New(cfg *Config, sensor Sensor, webFS fs.FS) *Server {
	s := &Server{
		cfg:    cfg,
		sensor: sensor,
		webFS:  webFS,
		logger: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.status = Status{
		Firmware:   sensor.Firmware().String(),
		Generation: sensor.Generation().String(),
	}
	return s
}

// Run starts the HTTP server and the polling loop.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)

	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", len(s.clients))

	// Send the driver status up front so the page can label itself
	st := s.snapshotStatus()
	if data, err := json.Marshal(Frame{Status: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", len(s.clients))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	st := s.snapshotStatus()
	data, err := json.Marshal(st)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// pollLoop reads histograms on a single goroutine — the device is strictly
// half-duplex, so all bus traffic is serialized here — and broadcasts each
// good reading. Checksum failures are counted and retried on the next tick;
// each read restarts the device's accumulation either way.
func (s *Server) pollLoop(ctx context.Context) {
	pollMs := s.cfg.Sensor.PollMs
	if pollMs <= 0 {
		pollMs = 2000
	}
	ticker := time.NewTicker(time.Duration(pollMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case <-ticker.C:
			reading, err := s.sensor.Histogram()

			s.statusMu.Lock()
			if err != nil {
				s.status.LastReadOK = false
				s.status.LastError = err.Error()
				var integrity *opc.DataIntegrityError
				if errors.As(err, &integrity) {
					s.status.ChecksumErrors++
				}
			} else {
				s.status.LastReadOK = true
				s.status.LastError = ""
				s.status.Readings++
			}
			st := s.status
			s.statusMu.Unlock()

			if err != nil {
				log.Printf("[poll] histogram read failed: %v", err)
				continue
			}

			s.broadcast(Frame{
				Reading: reading,
				Status:  &st,
				Stamp:   time.Now().UnixMilli(),
			})
			s.logger.Record(reading)
		}
	}
}

func (s *Server) snapshotStatus() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
