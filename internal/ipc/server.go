package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nordkyrie/yadisksync/internal/notifier"
	"github.com/nordkyrie/yadisksync/internal/store"
)

// EngineAPI is the subset of the engine's exported surface the IPC layer
// drives; narrowed so the server can be tested against a fake.
type EngineAPI interface {
	Download(ctx context.Context, path string) error
	Pin(ctx context.Context, path string, pinned bool) error
	Evict(ctx context.Context, path string) error
	Retry(ctx context.Context, path string) error
	GetState(ctx context.Context, path string) (store.SyncState, error)
	ListConflicts(ctx context.Context) ([]store.Conflict, error)
	Resolve(ctx context.Context, path string) error
}

// Server accepts websocket connections on a Unix domain socket and services
// method calls against an EngineAPI, fanning out notifier events to every
// connected client.
type Server struct {
	engine   EngineAPI
	notifier *notifier.Notifier
	logger   *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	socketPath string
}

// New returns a Server for socketPath. The socket is created by Serve, which
// first removes any stale socket file left by a crashed prior instance.
func New(engine EngineAPI, n *notifier.Notifier, socketPath string, logger *slog.Logger) *Server {
	s := &Server{engine: engine, notifier: n, logger: logger, socketPath: socketPath}
	s.httpServer = &http.Server{Handler: http.HandlerFunc(s.handleConn)}

	return s
}

// Serve binds the control socket and serves until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listening on %s: %w", s.socketPath, err)
	}

	s.listener = ln

	errCh := make(chan error, 1)

	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("ipc: shutdown error", slog.String("error", err.Error()))
		}

		_ = os.Remove(s.socketPath)

		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ipc: serve: %w", err)
		}

		return nil
	}
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("ipc: accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	connCtx := r.Context()

	var writeMu sync.Mutex

	events, unsubscribe := s.notifier.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})

	go func() {
		defer close(done)

		for ev := range events {
			env := envelope{
				Kind: kindEvent,
				Event: &eventPayload{
					Kind:         string(ev.Kind),
					Path:         ev.Path,
					State:        ev.State,
					ConflictID:   ev.ConflictID,
					RenamedLocal: ev.RenamedLocal,
				},
			}

			writeMu.Lock()
			err := wsjson.Write(connCtx, conn, env)
			writeMu.Unlock()

			if err != nil {
				return
			}
		}
	}()

	for {
		var req envelope
		if err := wsjson.Read(connCtx, conn, &req); err != nil {
			break
		}

		resp := s.dispatch(connCtx, req)

		writeMu.Lock()
		writeErr := wsjson.Write(connCtx, conn, resp)
		writeMu.Unlock()

		if writeErr != nil {
			break
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

func (s *Server) dispatch(ctx context.Context, req envelope) envelope {
	resp := envelope{Kind: kindResponse, ID: req.ID}

	result, err := s.call(ctx, req.Method, req.Params)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}

	if result != nil {
		raw, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			resp.Error = marshalErr.Error()
			return resp
		}

		resp.Result = raw
	}

	return resp
}

func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodDownload:
		var p pathParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}

		return nil, s.engine.Download(ctx, p.Path)

	case MethodPin:
		var p pinParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}

		return nil, s.engine.Pin(ctx, p.Path, p.Pinned)

	case MethodEvict:
		var p pathParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}

		return nil, s.engine.Evict(ctx, p.Path)

	case MethodRetry:
		var p pathParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}

		return nil, s.engine.Retry(ctx, p.Path)

	case MethodGetState:
		var p pathParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}

		state, err := s.engine.GetState(ctx, p.Path)
		if err != nil {
			return nil, err
		}

		return stateResult{State: string(state)}, nil

	case MethodListConflicts:
		conflicts, err := s.engine.ListConflicts(ctx)
		if err != nil {
			return nil, err
		}

		dtos := make([]conflictDTO, 0, len(conflicts))
		for _, c := range conflicts {
			dtos = append(dtos, conflictDTO{
				ID:           c.ID,
				Path:         c.Path,
				RenamedLocal: c.RenamedLocal,
				Created:      c.Created,
				Reason:       c.Reason,
			})
		}

		return conflictsResult{Conflicts: dtos}, nil

	case MethodResolve:
		var p pathParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}

		return nil, s.engine.Resolve(ctx, p.Path)

	default:
		return nil, fmt.Errorf("ipc: unknown method %q", method)
	}
}
