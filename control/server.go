package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/yllada/tunneld/common"
	"github.com/yllada/tunneld/vpn"
)

// Tunnel is the controller surface served over the socket.
type Tunnel interface {
	PrepareConfig(cfg vpn.TunnelConfig) error
	Start(ctx context.Context, mode string, cfg *vpn.TunnelConfig) (vpn.StartResult, error)
	Stop(ctx context.Context) error
	CurrentStatus() vpn.State
	AnswerPermission(token string, granted bool) error
	Revoke()
	AttachStatusObserver(fn vpn.StatusObserver) error
	AttachLogObserver(fn vpn.LogObserver) error
}

const watchBuffer = 256

// watcher streams events to one connection.
type watcher struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func newWatcher() *watcher {
	return &watcher{events: make(chan Event, watchBuffer), done: make(chan struct{})}
}

func (w *watcher) close() {
	w.once.Do(func() { close(w.done) })
}

// offer never blocks; a watcher that cannot keep up is dropped.
func (w *watcher) offer(ev Event) {
	select {
	case <-w.done:
	case w.events <- ev:
	default:
		common.LogWarn("Control: watcher too slow, dropping it")
		w.close()
	}
}

// Server serves one Tunnel. It owns the tunnel's observer slots and forwards
// to the most recent watcher of each kind.
type Server struct {
	tunnel Tunnel
	// OnStatus, if set, sees every published status. It runs on the
	// controller's goroutine and must not block.
	OnStatus func(vpn.State)

	mu          sync.Mutex
	statusWatch *watcher
	logWatch    *watcher
	conns       map[net.Conn]struct{}
	wg          sync.WaitGroup
}

// NewServer creates a server for tunnel.
func NewServer(tunnel Tunnel) *Server {
	return &Server{
		tunnel: tunnel,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen opens the unix socket at path, replacing a stale one.
func Listen(path string) (net.Listener, error) {
	if err := common.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if common.FileExists(path) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return nil, fmt.Errorf("another daemon is listening on %s", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	return ln, nil
}

// Serve accepts connections until ctx is cancelled, then closes every
// connection and waits for the handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.tunnel.AttachStatusObserver(s.publishStatus); err != nil {
		return err
	}
	if err := s.tunnel.AttachLogObserver(s.publishLog); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
	defer stop()

	common.LogInfo("Control: listening on %s", ln.Addr())

	var err error
	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil {
				err = aerr
			}
			break
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.handle(ctx, conn)
		}()
	}

	s.mu.Lock()
	for _, w := range []*watcher{s.statusWatch, s.logWatch} {
		if w != nil {
			w.close()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	common.LogInfo("Control: stopped")
	return err
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) publishStatus(st vpn.State) {
	if s.OnStatus != nil {
		s.OnStatus(st)
	}
	s.mu.Lock()
	w := s.statusWatch
	s.mu.Unlock()
	if w != nil {
		w.offer(Event{Status: &st})
	}
}

func (s *Server) publishLog(line string) {
	s.mu.Lock()
	w := s.logWatch
	s.mu.Unlock()
	if w != nil {
		w.offer(Event{Log: &line})
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	enc := json.NewEncoder(conn)

	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		enc.Encode(Response{Error: &Error{Code: CodeBadRequest, Message: err.Error()}})
		return
	}

	common.LogDebug("Control: %s request", req.Op)

	switch req.Op {
	case OpWatchStatus:
		s.watch(ctx, conn, enc, reader, true)
	case OpWatchLogs:
		s.watch(ctx, conn, enc, reader, false)
	default:
		if err := enc.Encode(s.dispatch(ctx, req)); err != nil {
			common.LogDebug("Control: reply not delivered: %v", err)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	var err error
	resp := Response{}

	switch req.Op {
	case OpPrepare:
		err = s.tunnel.PrepareConfig(vpn.TunnelConfig{Payload: req.Config, SourcePath: req.SourcePath})
	case OpStart:
		var cfg *vpn.TunnelConfig
		if len(req.Config) > 0 {
			cfg = &vpn.TunnelConfig{Payload: req.Config, SourcePath: req.SourcePath}
		}
		var result vpn.StartResult
		result, err = s.tunnel.Start(ctx, req.Mode, cfg)
		resp.Result = string(result)
	case OpStop:
		err = s.tunnel.Stop(ctx)
	case OpStatus:
	case OpAnswer:
		err = s.tunnel.AnswerPermission(req.Token, req.Granted)
	case OpRevoke:
		s.tunnel.Revoke()
	default:
		return Response{Error: &Error{Code: CodeBadRequest, Message: "unknown op " + req.Op}}
	}

	if err != nil {
		return Response{Error: encodeError(err)}
	}
	st := s.tunnel.CurrentStatus()
	resp.OK = true
	resp.Status = &st
	return resp
}

// watch makes this connection the active watcher and streams until the
// client goes away or a newer watcher takes over.
func (s *Server) watch(ctx context.Context, conn net.Conn, enc *json.Encoder, reader *bufio.Reader, status bool) {
	w := newWatcher()

	s.mu.Lock()
	slot := &s.logWatch
	if status {
		slot = &s.statusWatch
	}
	if *slot != nil {
		(*slot).close()
	}
	*slot = w
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if *slot == w {
			*slot = nil
		}
		s.mu.Unlock()
		w.close()
	}()

	if err := enc.Encode(Response{OK: true}); err != nil {
		return
	}

	if status {
		// Re-attaching replays the current state to the new watcher.
		if err := s.tunnel.AttachStatusObserver(s.publishStatus); err != nil {
			return
		}
	}

	// The client sends nothing after the request; EOF means it left.
	go func() {
		reader.ReadByte()
		w.close()
	}()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case ev := <-w.events:
			if err := enc.Encode(ev); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					common.LogDebug("Control: watcher write failed: %v", err)
				}
				return
			}
		}
	}
}
