package minicord

import (
	"context"
	"time"
)

// heartbeat is the liveness scheduler. It runs as a background goroutine
// for the lifetime of one transport, started when the gateway hello is
// processed.
//
// The first beat is delayed by interval*r with r drawn from [0,1) so a
// fleet of clients reconnecting at once does not thunder the gateway.
// After that one beat goes out per interval; a beat whose ack never
// arrived by the next tick means the connection zombied and the transport
// is torn down so the session resumes.
func (s *Session) heartbeat(ctx context.Context, conn *Conn, interval time.Duration) error {
	jitter := time.Duration(s.randFloat() * float64(interval))
	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-conn.closed:
		return nil
	case <-timer.C:
	}

	if err := s.sendHeartbeat(ctx, conn); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.closed:
			return nil
		case <-ticker.C:
		}

		s.mu.Lock()
		pending := s.ackPending
		s.mu.Unlock()
		if pending {
			// Zombied connection: the transport still looks open but the
			// gateway stopped answering. Tear it down and let the session
			// resume with the retained identity.
			s.metrics.heartbeatTimeouts.Inc()
			s.log.Warn().Dur("interval", interval).Msg("heartbeat ack missed, closing zombied connection")
			conn.writeClose(StatusPolicyViolation, "heartbeat ack timeout")
			conn.close(errHeartbeatTimeout)
			return errHeartbeatTimeout
		}

		if err := s.sendHeartbeat(ctx, conn); err != nil {
			return err
		}
	}
}
