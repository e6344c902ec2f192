package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Masterminds/semver"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/reachd/internal/reachability"
)

// SupportedClientVersions is the range of stream protocol versions served
// on /ws/reachability.
const SupportedClientVersions = ">= 1.0.0, < 2.0.0"

var supportedClients = func() *semver.Constraints {
	c, err := semver.NewConstraint(SupportedClientVersions)
	if err != nil {
		panic(err)
	}
	return c
}()

const writeTimeout = 5 * time.Second

func accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, context.Context, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, nil, err
	}
	return c, r.Context(), nil
}

// clientSupported checks the version query parameter against
// SupportedClientVersions.
func clientSupported(raw string) bool {
	if raw == "" {
		return false
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return false
	}
	return supportedClients.Check(v)
}

// StreamReachability sends a snapshot of every observer and then each status
// transition until the client goes away.
func StreamReachability(s *Service, w http.ResponseWriter, r *http.Request) {
	version := r.URL.Query().Get("version")
	if !clientSupported(version) {
		log.WithField("version", version).Debug("Rejecting reachability stream client")
		http.Error(w, fmt.Sprintf("client version %q not in %s", version, SupportedClientVersions), http.StatusUpgradeRequired)
		return
	}

	// Subscribe before the snapshot so no transition falls in between.
	events, unsub := s.tm.Center().Subscribe(reachability.StatusChangedNotification)
	defer unsub()

	c, ctx, err := accept(w, r)
	if err != nil {
		log.WithError(err).Error("Failed to accept client")
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "closing")

	// Nothing is read from the client; this notices when it closes.
	ctx = c.CloseRead(ctx)

	log.WithFields(log.Fields{
		"remote":  r.RemoteAddr,
		"version": version,
	}).Info("Reachability stream client connected")
	defer log.WithField("remote", r.RemoteAddr).Info("Reachability stream client disconnected")

	for _, o := range s.tm.All() {
		if err := write(ctx, c, StatusEvent{Type: EventSnapshot, Observer: observerInfo(o)}); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-events:
			if !ok {
				c.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			change := n.Object
			if _, managed := s.tm.Get(change.Observer.ID()); !managed {
				continue
			}
			info := observerInfo(change.Observer)
			info.Status = change.Status
			info.Reachable = change.Status != reachability.NotReachable
			prev := change.Previous
			if err := write(ctx, c, StatusEvent{Type: EventChange, Observer: info, Previous: &prev}); err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, c *websocket.Conn, ev StatusEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c, ev); err != nil {
		log.WithError(err).Debug("Failed to write reachability event")
		return err
	}
	return nil
}
