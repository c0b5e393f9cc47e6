package stream

import (
	"sync"
	"weak"

	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/credentials"
)

// credentialJoin collects the results of the auth and attestation fetches of one start attempt.
// It completes on the second arrival, whichever that is.
type credentialJoin struct {
	mu sync.Mutex

	auth         credentials.AuthToken
	authErr      error
	authReceived bool

	attestation         string
	attestationReceived bool
}

// setAuth records the auth result. It returns true if this completed the join.
func (j *credentialJoin) setAuth(token credentials.AuthToken, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.authReceived {
		return false
	}
	j.auth, j.authErr, j.authReceived = token, err, true
	return j.attestationReceived
}

// setAttestation records the attestation result. It returns true if this completed the join.
func (j *credentialJoin) setAttestation(token string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.attestationReceived {
		return false
	}
	j.attestation, j.attestationReceived = token, true
	return j.authReceived
}

func (j *credentialJoin) result() (Credentials, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Credentials{Auth: j.auth, Attestation: j.attestation}, j.authErr
}

// requestCredentials fetches both tokens and resumes the start on the queue once both arrived.
// The callbacks only hold a weak reference to the stream, since providers may outlive it.
func (s *Stream) requestCredentials() {
	ws := weak.Make(s)
	q := s.q
	logger := s.lg
	closeCount := s.closeCount
	join := &credentialJoin{}

	resume := func() {
		creds, err := join.result()
		q.Enqueue(func() {
			live := ws.Value()
			if live == nil {
				logger.Debug("drop credentials, stream is gone")
				return
			}
			live.resumeStartWithCredentials(closeCount, creds, err)
		})
	}

	s.auth.GetToken(func(token credentials.AuthToken, err error) {
		if join.setAuth(token, err) {
			resume()
		}
	})
	s.attestation.GetToken(func(token string, err error) {
		if err != nil {
			logger.Warn("failed to get attestation token, continue without it", zap.Error(err))
			token = ""
		}
		if join.setAttestation(token) {
			resume()
		}
	})
}

func (s *Stream) resumeStartWithCredentials(closeCount int, creds Credentials, err error) {
	s.q.VerifyIsCurrentQueue()
	if closeCount != s.closeCount {
		s.lg.Debug("drop stale credentials", zap.Int("close-count", closeCount), zap.Int("current-close-count", s.closeCount))
		return
	}
	hardAssert(s.state == StateStarting, "state should still be Starting, got %s", s.state)

	if err != nil {
		s.onStreamFinish(err)
		return
	}

	s.transport = s.conn.CreateStream(newObserver(s), creds)
	s.transport.Start()
}
