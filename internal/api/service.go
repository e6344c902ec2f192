package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/reachd/internal/addrinfo"
	"github.com/dmdmdm-nz/reachd/internal/notify"
	"github.com/dmdmdm-nz/reachd/internal/reachability"
	"github.com/dmdmdm-nz/reachd/internal/sockaddr"
	"github.com/dmdmdm-nz/reachd/internal/targetmgr"
)

// TargetManager is the observer registry the API serves.
type TargetManager interface {
	Add(t reachability.Target) (*reachability.Observer, error)
	Remove(id uuid.UUID) error
	Get(id uuid.UUID) (*reachability.Observer, bool)
	All() []*reachability.Observer
	Center() *notify.Center[reachability.StatusChange]
}

// AddressSource reports the host's WLAN and WWAN addresses.
type AddressSource interface {
	Snapshot() addrinfo.Snapshot
}

// Service represents the HTTP server for the API
type Service struct {
	address string
	port    int

	tm       TargetManager
	addrs    AddressSource
	gatherer prometheus.Gatherer

	mu     sync.Mutex
	server *http.Server
	closed bool
}

func NewService(host string, port int) *Service {
	return &Service{
		address: host,
		port:    port,
	}
}

func (s *Service) AttachTargetMgr(tm TargetManager) {
	s.tm = tm
}

func (s *Service) AttachAddressInfo(a AddressSource) {
	s.addrs = a
}

// AttachMetrics serves g on /metrics.
func (s *Service) AttachMetrics(g prometheus.Gatherer) {
	s.gatherer = g
}

// Start serves the API until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if s.tm == nil {
		return errors.New("AttachTargetMgr was not called before Start")
	}

	addr := net.JoinHostPort(s.address, fmt.Sprint(s.port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	log.Infof("Starting reachd API service at %s", addr)
	defer log.Info("Stopping reachd API service")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api listen on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Handler builds the API's routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if s.tm == nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/observers", s.handleObservers)
	mux.HandleFunc("/observer/", s.handleObserver)
	mux.HandleFunc("/addresses", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.addrs == nil {
			http.Error(w, "address information unavailable", http.StatusServiceUnavailable)
			return
		}
		writeValue(w, r, http.StatusOK, s.addrs.Snapshot())
	})
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/ws/reachability", func(w http.ResponseWriter, r *http.Request) {
		StreamReachability(s, w, r)
	})
	return mux
}

func (s *Service) handleObservers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		observers := s.tm.All()
		infos := make([]ObserverInfo, 0, len(observers))
		for _, o := range observers {
			infos = append(infos, observerInfo(o))
		}
		writeValue(w, r, http.StatusOK, infos)

	case http.MethodPost:
		var req CreateObserverRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		t, err := req.target()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		o, err := s.tm.Add(t)
		switch {
		case errors.Is(err, targetmgr.ErrExists):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case errors.Is(err, reachability.ErrInvalidTarget):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, fmt.Sprintf("Failed to create observer: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Location", "/observer/"+o.ID().String())
		writeValue(w, r, http.StatusCreated, observerInfo(o))

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleObserver(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/observer/")
	if raw == "" {
		http.Error(w, "missing observer id", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "invalid observer id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		o, ok := s.tm.Get(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeValue(w, r, http.StatusOK, observerInfo(o))
	case http.MethodDelete:
		if err := s.tm.Remove(id); err != nil {
			if errors.Is(err, targetmgr.ErrNotFound) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			log.WithError(err).WithField("observer", id).Warn("Failed to close removed observer")
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (req CreateObserverRequest) target() (reachability.Target, error) {
	switch {
	case req.Host != "" && req.Address == "" && req.Local == "" && req.Remote == "":
		return reachability.HostTarget(req.Host)

	case req.Address != "" && req.Host == "" && req.Local == "" && req.Remote == "":
		sa, err := sockaddr.Parse(req.Address)
		if err != nil {
			return reachability.Target{}, err
		}
		return reachability.AddressTarget(sa)

	case req.Local != "" && req.Remote != "" && req.Host == "" && req.Address == "":
		local, err := sockaddr.Parse(req.Local)
		if err != nil {
			return reachability.Target{}, fmt.Errorf("local: %w", err)
		}
		remote, err := sockaddr.Parse(req.Remote)
		if err != nil {
			return reachability.Target{}, fmt.Errorf("remote: %w", err)
		}
		return reachability.AddressPairTarget(local, remote)

	default:
		return reachability.Target{}, errors.New(`exactly one of "host", "address" or "local"+"remote" is required`)
	}
}
