// Package bridge implements ControlListener: the bridge handshake
// (BridgeHello/BridgeReady/BridgeError) and the MCP tunnel handoff to a
// HostService session, per spec.md §4.7.
package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcpcenter/mcpcenter/internal/errs"
	"github.com/mcpcenter/mcpcenter/internal/host"
	"github.com/mcpcenter/mcpcenter/internal/ipc"
	"github.com/mcpcenter/mcpcenter/internal/project"
	"github.com/mcpcenter/mcpcenter/internal/projectid"
	"github.com/mcpcenter/mcpcenter/internal/servermanager"
)

// HelloTimeout bounds how long a freshly accepted connection has to send its
// BridgeHello frame before the Listener gives up on it.
const HelloTimeout = 5 * time.Second

// maxFrameSize caps a length-prefixed handshake frame; anything larger is
// certainly not a well-formed BridgeHello/BridgeReady payload.
const maxFrameSize = 1 << 20

type bridgeHello struct {
	Type        string         `json:"type"`
	ProjectPath string         `json:"projectPath"`
	Agent       string         `json:"agent,omitempty"`
	BridgePid   int            `json:"bridgePid"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type bridgeReady struct {
	Type      string         `json:"type"`
	ProjectID string         `json:"projectId"`
	DaemonPid int            `json:"daemonPid"`
	Info      map[string]any `json:"info,omitempty"`
}

type bridgeErrorFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, errs.Wrap(errs.ErrBridgeHandshakeFailed, "reading frame length", err)
	}
	if length == 0 || length > maxFrameSize {
		return nil, errs.NewError(errs.ErrBridgeHandshakeFailed, "frame length out of bounds", nil)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Wrap(errs.ErrBridgeHandshakeFailed, "reading frame body", err)
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return errs.Wrap(errs.ErrBridgeHandshakeFailed, "writing frame length", err)
	}
	if _, err := w.Write(payload); err != nil {
		return errs.Wrap(errs.ErrBridgeHandshakeFailed, "writing frame body", err)
	}
	return nil
}

// Listener accepts bridge connections on the control socket, performs the
// handshake, and tunnels each one to a dedicated host.Session.
type Listener struct {
	net.Listener
	manager   *servermanager.Manager
	registry  *project.Registry
	log       zerolog.Logger
	daemonPid int
}

// NewListener binds the control socket at path.
func NewListener(path string, manager *servermanager.Manager, registry *project.Registry, log zerolog.Logger) (*Listener, error) {
	l, err := ipc.Listen(path)
	if err != nil {
		return nil, err
	}
	return &Listener{
		Listener:  l,
		manager:   manager,
		registry:  registry,
		log:       log,
		daemonPid: os.Getpid(),
	}, nil
}

// Serve accepts connections until ctx is cancelled or the listener's socket
// is closed out from under it.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errs.Wrap(errs.ErrInternal, "accepting bridge connection", err)
			}
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := l.log.With().Str("remote", conn.RemoteAddr().String()).Logger()

	_ = conn.SetReadDeadline(time.Now().Add(HelloTimeout))
	raw, err := readFrame(conn)
	if err != nil {
		log.Warn().Err(err).Msg("bridge handshake failed waiting for hello")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var hello bridgeHello
	if err := json.Unmarshal(raw, &hello); err != nil || hello.Type != "BridgeHello" {
		l.sendError(conn, "malformed BridgeHello")
		return
	}
	if hello.ProjectPath == "" {
		l.sendError(conn, "projectPath is required")
		return
	}

	rec, err := l.registry.Ensure(hello.ProjectPath, hello.Agent)
	if err != nil {
		l.sendError(conn, "failed to resolve project: "+err.Error())
		return
	}

	ready := bridgeReady{
		Type:      "BridgeReady",
		ProjectID: string(rec.ID),
		DaemonPid: l.daemonPid,
		Info:      map[string]any{"bridgePid": hello.BridgePid},
	}
	readyRaw, err := json.Marshal(ready)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode BridgeReady")
		return
	}
	if err := writeFrame(conn, readyRaw); err != nil {
		log.Warn().Err(err).Msg("failed to write BridgeReady")
		return
	}

	log.Info().Str("project_id", string(rec.ID)).Msg("bridge session established")

	session := host.NewSession(l.manager, l.registry, rec.ID, log)
	provisionalPath := hello.ProjectPath
	session.OnRoots(func(rootURI string) {
		l.migrateIfRootDiffers(session, rec.ID, provisionalPath, rootURI, log)
	})

	session.Attach(conn)
	if err := session.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Debug().Err(err).Msg("bridge session ended")
	}
}

// migrateIfRootDiffers implements spec.md §4.7 step 5: if the peer's first
// root differs from the path the BridgeHello carried, the project id is
// recomputed from the root and the record migrated to it in place.
func (l *Listener) migrateIfRootDiffers(session *host.Session, provisionalID projectid.ID, provisionalPath, rootURI string, log zerolog.Logger) {
	if rootURI == "" {
		return
	}
	path := stripFileScheme(rootURI)
	if path == provisionalPath {
		return
	}

	newID, canonical, err := projectid.FromPath(path)
	if err != nil {
		log.Warn().Err(err).Str("root", rootURI).Msg("failed to canonicalize peer root, keeping provisional project id")
		return
	}
	if newID == provisionalID {
		return
	}

	if _, err := l.registry.Migrate(provisionalID, newID, canonical); err != nil {
		log.Warn().Err(err).Msg("failed to migrate project record to root-derived id")
		return
	}
	session.SetProjectID(newID)
	log.Info().Str("old_project_id", string(provisionalID)).Str("new_project_id", string(newID)).Msg("migrated project id from peer-reported root")
}

func stripFileScheme(uri string) string {
	const prefix = "file://"
	if len(uri) > len(prefix) && uri[:len(prefix)] == prefix {
		return uri[len(prefix):]
	}
	return uri
}

func (l *Listener) sendError(conn net.Conn, reason string) {
	raw, err := json.Marshal(bridgeErrorFrame{Type: "BridgeError", Reason: reason})
	if err != nil {
		return
	}
	_ = writeFrame(conn, raw)
}
