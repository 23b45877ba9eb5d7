package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/ims"
	"rcs-ims-core/pkg/metrics"
	"rcs-ims-core/pkg/util"
)

// Recorder is an ims.Listener that keeps a Record per session in a Store.
// Writes run on a single background worker so that listener callbacks never
// wait on the store and records of a session are written in event order.
type Recorder struct {
	store  Store
	logger *logrus.Logger
	nodeID string
	pool   *util.GoroutinePool
}

var _ ims.Listener = (*Recorder)(nil)

// NewRecorder creates a recorder writing to store. nodeID tags every record
// with the instance that handled the session.
func NewRecorder(store Store, nodeID string, logger *logrus.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
		nodeID: nodeID,
		pool:   util.NewGoroutinePool("session-recorder", 1, 1024, logger),
	}
}

func (r *Recorder) OnSessionAccepting(s *ims.Session) {
	r.record(s, StateAccepting, "", "")
}

func (r *Recorder) OnSessionStarted(s *ims.Session) {
	r.record(s, StateEstablished, "", "")
}

func (r *Recorder) OnSessionAborted(s *ims.Session, reason ims.TerminationReason) {
	r.record(s, StateAborted, reason.String(), "")
}

func (r *Recorder) OnSessionRejected(s *ims.Session, reason ims.TerminationReason) {
	r.record(s, StateRejected, reason.String(), "")
}

func (r *Recorder) OnSessionError(s *ims.Session, err *ims.SessionError) {
	r.record(s, StateFailed, err.Code.String(), err.Error())
}

// Flush waits for pending writes and stops the recorder
func (r *Recorder) Flush(timeout time.Duration) {
	if !r.pool.Shutdown(timeout) {
		r.logger.WithField("timeout", timeout).Warn("Session records still pending after flush timeout")
	}
}

func (r *Recorder) record(s *ims.Session, state State, reason, errMsg string) {
	record := snapshot(s)
	record.State = state
	record.Reason = reason
	record.Error = errMsg
	record.NodeID = r.nodeID

	if !r.pool.Submit(func() { r.write(record) }) {
		r.logger.WithFields(logrus.Fields{
			"session_id": record.SessionID,
			"state":      state,
		}).Warn("Session record dropped, recorder queue unavailable")
	}
}

func (r *Recorder) write(record *Record) {
	err := r.store.Store(record)
	metrics.RecordSessionStoreOperation(r.store.Name(), "store", err)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": record.SessionID,
			"state":      record.State,
			"backend":    r.store.Name(),
		}).Error("Failed to store session record")
	}
}

// snapshot copies the identity of s into a new record
func snapshot(s *ims.Session) *Record {
	record := &Record{
		SessionID: s.ID(),
		Service:   s.Service().Name(),
		Kind:      s.Media().Kind().String(),
		Direction: s.Direction().String(),
		Contact:   s.RemoteContact(),
		StartTime: s.CreatedAt(),
	}
	if d := s.Dialog(); d != nil {
		record.CallID = d.CallID()
	}
	return record
}
