// Package advertise announces the daemon's API over mDNS.
package advertise

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dmdmdm-nz/zeroconf"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/reachd/internal/netmon"
)

const (
	ServiceType = "_reachd._tcp"
	Domain      = "local."

	// Interface changes arriving within this window share one re-registration.
	settleDelay = 2 * time.Second
)

type server interface {
	Shutdown()
}

// registerFunc publishes one service instance. Tests replace it.
var registerFunc = func(instance string, port int, text []string) (server, error) {
	s, err := zeroconf.Register(instance, ServiceType, Domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Service keeps the API registered while the daemon runs. mDNS responders
// bind to the interfaces present at registration, so interface and address
// changes trigger a fresh registration.
type Service struct {
	instance string
	port     int
	text     []string
	settle   time.Duration

	ifCh    <-chan netmon.Event
	ifUnsub func()

	mu      sync.Mutex
	server  server
	renewed int
	closed  bool
}

// NewService advertises port under instance, or the host name when instance
// is empty. text holds the TXT record's key=value pairs.
func NewService(instance string, port int, text ...string) *Service {
	if instance == "" {
		instance, _ = os.Hostname()
	}
	if instance == "" {
		instance = "reachd"
	}
	return &Service{
		instance: instance,
		port:     port,
		text:     text,
		settle:   settleDelay,
	}
}

// AttachNetmon wires the Netmon stream (must be called before Start).
func (s *Service) AttachNetmon(ch <-chan netmon.Event, unsub func()) {
	s.ifCh = ch
	s.ifUnsub = unsub
}

func (s *Service) Start(ctx context.Context) error {
	log.WithFields(log.Fields{
		"instance": s.instance,
		"service":  ServiceType,
		"port":     s.port,
	}).Info("Starting mDNS advertisement")
	defer log.Info("Stopping mDNS advertisement")

	if err := s.register(); err != nil {
		return err
	}
	defer s.shutdown()

	if s.ifCh == nil {
		<-ctx.Done()
		return nil
	}

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.ifCh:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if !affectsAdvertisement(ev) {
				continue
			}
			log.WithFields(log.Fields{
				"type":      ev.Type,
				"interface": ev.InterfaceName,
			}).Trace("Scheduling mDNS re-registration")
			if settle == nil {
				settle = time.After(s.settle)
			}
		case <-settle:
			settle = nil
			if err := s.register(); err != nil {
				log.WithError(err).Warn("Failed to renew mDNS registration")
			}
		}
	}
}

func (s *Service) Close() error {
	if s.ifUnsub != nil {
		s.ifUnsub()
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.shutdown()
	return nil
}

// Registrations reports how many times the service has been registered.
func (s *Service) Registrations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewed
}

func (s *Service) register() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
	srv, err := registerFunc(s.instance, s.port, s.text)
	if err != nil {
		return fmt.Errorf("register %s.%s%s: %w", s.instance, ServiceType, Domain, err)
	}
	s.server = srv
	s.renewed++
	log.WithField("instance", s.instance).Debug("Registered mDNS service")
	return nil
}

func (s *Service) shutdown() {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv != nil {
		srv.Shutdown()
	}
}

func affectsAdvertisement(ev netmon.Event) bool {
	switch ev.Type {
	case netmon.InterfaceUp, netmon.InterfaceDown, netmon.AddressAdded, netmon.AddressRemoved:
		return true
	default:
		return false
	}
}
