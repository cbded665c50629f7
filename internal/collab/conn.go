package collab

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cowrite-labs/cowrite/backend/internal/auth"
	"github.com/cowrite-labs/cowrite/backend/internal/crdt"
)

var (
	errMissingRegistry = errors.New("collab: registry is required")
	errMissingResolver = errors.New("collab: identity resolver is required")
)

// Conn is the abstract bidirectional message channel of one connection. The
// transport layer (websocket, test pipe) adapts to it.
type Conn interface {
	ReadEnvelope() (Envelope, error)
	WriteEnvelope(Envelope) error
	Close() error
}

// IdentityResolver authenticates connection credentials.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, credentials string) (auth.Identity, error)
}

// ConnectionManagerConfig describes the connection manager's collaborators.
type ConnectionManagerConfig struct {
	Registry *Registry
	Identity IdentityResolver
	Logger   *zap.Logger
}

// ConnectionManager authenticates inbound connections, attaches identity to
// the session, and runs the per-connection dispatch loop. Room cleanup is
// guaranteed on disconnect regardless of cause.
type ConnectionManager struct {
	registry *Registry
	identity IdentityResolver
	logger   *zap.Logger
}

// NewConnectionManager validates dependencies and constructs the manager.
func NewConnectionManager(cfg ConnectionManagerConfig) (*ConnectionManager, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Identity == nil {
		return nil, errMissingResolver
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionManager{
		registry: cfg.Registry,
		identity: cfg.Identity,
		logger:   logger,
	}, nil
}

// Serve owns the connection until it disconnects. Identity resolution failure
// terminates the connection before any room state is exposed.
func (m *ConnectionManager) Serve(ctx context.Context, conn Conn, credentials string) {
	transportID := uuid.NewString()

	identity, err := m.identity.ResolveIdentity(ctx, credentials)
	if err != nil {
		m.logger.Warn("connection identity resolution failed",
			zap.String("transport_id", transportID), zap.Error(err))
		_ = conn.Close()
		return
	}

	sess := NewSession(transportID, identity.Subject)
	defer func() {
		m.registry.Disconnect(ctx, sess)
		sess.Close()
		_ = conn.Close()
	}()

	go m.writeLoop(conn, sess)

	for {
		envelope, err := conn.ReadEnvelope()
		if err != nil {
			return
		}
		m.dispatch(ctx, sess, envelope)
		select {
		case <-sess.Done():
			return
		default:
		}
	}
}

func (m *ConnectionManager) writeLoop(conn Conn, sess *Session) {
	for {
		select {
		case envelope := <-sess.Outbound():
			if err := conn.WriteEnvelope(envelope); err != nil {
				sess.Close()
				return
			}
		case <-sess.Done():
			_ = conn.Close()
			return
		}
	}
}

func (m *ConnectionManager) dispatch(ctx context.Context, sess *Session, envelope Envelope) {
	switch envelope.Type {
	case MessageTypeJoin:
		result, err := m.registry.Join(ctx, envelope.DocumentID, sess)
		if err != nil {
			m.sendError(sess, envelope.DocumentID, err)
			return
		}
		sess.deliver(Envelope{
			Type:       MessageTypeSync,
			DocumentID: envelope.DocumentID,
			Update:     result.FullState,
		})
		for _, entry := range result.Presence {
			sess.deliver(Envelope{
				Type:       MessageTypePresence,
				DocumentID: envelope.DocumentID,
				Presence:   entry.Payload,
				SessionID:  entry.SessionID,
				UserID:     entry.UserID,
			})
		}
	case MessageTypeLeave:
		if err := m.registry.Leave(ctx, envelope.DocumentID, sess); err != nil {
			m.sendError(sess, envelope.DocumentID, err)
		}
	case MessageTypeUpdate:
		if err := m.registry.ApplyUpdate(ctx, envelope.DocumentID, sess, envelope.Update); err != nil {
			m.sendError(sess, envelope.DocumentID, err)
		}
	case MessageTypePresence:
		if err := m.registry.UpdatePresence(ctx, envelope.DocumentID, sess, envelope.Presence); err != nil {
			m.sendError(sess, envelope.DocumentID, err)
		}
	default:
		sess.deliver(Envelope{
			Type:       MessageTypeError,
			DocumentID: envelope.DocumentID,
			Message:    "unsupported_message",
		})
	}
}

// sendError reports an operation failure without closing the connection.
func (m *ConnectionManager) sendError(sess *Session, documentID string, err error) {
	message := "internal_error"
	switch {
	case errors.Is(err, ErrAccessDenied):
		message = "access_denied"
	case errors.Is(err, ErrNotJoined):
		message = "not_joined"
	case errors.Is(err, crdt.ErrMalformedUpdate):
		message = "malformed_update"
	case errors.Is(err, ErrRegistryClosed):
		message = "shutting_down"
	}
	sess.deliver(Envelope{
		Type:       MessageTypeError,
		DocumentID: documentID,
		Message:    message,
	})
}
