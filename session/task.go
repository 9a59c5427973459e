package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gestalt-engine/gestaltnet/netmsg"
	"github.com/gestalt-engine/gestaltnet/wire"
)

// Death is a session task's parting message to the network system: which
// session ended and the errors (if any) that ended it.
type Death struct {
	Name   wire.FullSessionName
	Errors []error
}

// Handle runs one session until it dies. It owns the Session exclusively
// and suspends on four things: envelopes routed from the UDP socket,
// application messages bound for this peer, the maintenance tick, and the
// network system's kill signal.
//
// Channel receives are cancellation-safe: losing the select race consumes
// nothing. When either input channel closes, the session winds down
// cleanly. On any fatal error, deliberate disconnect, or outside kill, a
// Death is posted and the goroutine returns.
func Handle(s *Session, inbound <-chan []*wire.OuterEnvelope, fromApp <-chan []netmsg.PacketIntermediary,
	tick time.Duration, killFromInside chan<- Death, killFromOutside <-chan struct{}) {

	if tick <= 0 {
		tick = DefaultTickInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	peer := s.PeerIdentity().ToBase64()
	logrus.WithField("peer", peer).Info("Handling session")

	die := func(errs []error) {
		killFromInside <- Death{Name: s.SessionName(), Errors: errs}
	}

	for {
		select {
		case envelopes, ok := <-inbound:
			if !ok {
				logrus.WithField("peer", peer).Info("Connection closed, dropping session state")
				die(nil)
				return
			}
			errs := s.IngestPackets(envelopes, time.Now())
			if len(errs) > 0 {
				for _, err := range errs {
					logrus.WithFields(logrus.Fields{
						"peer":  peer,
						"error": err,
					}).Error("Error handling inbound packets in session")
				}
				if !allNonFatal(errs) {
					die(errs)
					return
				}
			}
			if s.DisconnectDeliberate() {
				die(nil)
				return
			}

		case packets, ok := <-fromApp:
			if !ok {
				logrus.WithField("peer", peer).Info("Send channel closed, dropping session state")
				die(nil)
				return
			}
			s.rudp.RecordSend(time.Now())
			if errs := s.ProcessOutbound(packets, time.Now()); len(errs) > 0 {
				for _, err := range errs {
					logrus.WithFields(logrus.Fields{
						"peer":  peer,
						"error": err,
					}).Error("Error sending packets to peer")
				}
				die(errs)
				return
			}
			if s.DisconnectDeliberate() {
				die(nil)
				return
			}

		case <-ticker.C:
			if errs := s.ProcessUpdate(time.Now()); len(errs) > 0 {
				for _, err := range errs {
					logrus.WithFields(logrus.Fields{
						"peer":  peer,
						"error": err,
					}).Error("Error ticking network connection")
				}
				die(errs)
				return
			}

		case <-killFromOutside:
			logrus.WithField("peer", peer).Info("Shutting down session")
			return
		}
	}
}
