package zmodbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/crazyfrankie/zmodbus/peer"
	"github.com/crazyfrankie/zmodbus/protocol"
	"github.com/crazyfrankie/zmodbus/stats"
	"github.com/crazyfrankie/zmodbus/transport"
)

// Server is a Modbus/TCP peripheral bound to one named service of a
// transport. It owns the transport and closes it on Stop.
type Server struct {
	opt       serverOption
	transport transport.Transport
	table     HandlerTable
	invoke    Invoker

	state atomic.Int32

	mu          sync.Mutex
	binding     *transport.Binding
	conns       map[net.Conn]struct{}
	startCancel context.CancelFunc
	started     chan struct{} // closed when Start returns
	serveWG     sync.WaitGroup

	acceptDone chan struct{}
	acceptErr  error
	inShutdown atomic.Bool
	done       chan struct{}

	stopOnce      sync.Once
	transportOnce sync.Once
	transportErr  error
}

// NewServer returns a server that will bind on t.
func NewServer(t transport.Transport, opts ...ServerOption) *Server {
	opt := defaultServerOption()
	for _, o := range opts {
		o(&opt)
	}

	return &Server{
		opt:        opt,
		transport:  t,
		conns:      make(map[net.Conn]struct{}),
		started:    make(chan struct{}),
		acceptDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Bindings returns the active binding, if any.
func (s *Server) Bindings() []transport.BindingInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.binding == nil || s.State() != Running {
		return nil
	}
	return []transport.BindingInfo{s.binding.Info()}
}

// Start binds service and begins accepting connections. It returns once the
// binding is established or has failed; a failed start leaves the server
// Stopped with its transport closed.
func (s *Server) Start(ctx context.Context, service string, opts ...transport.BindOption) error {
	if !s.state.CompareAndSwap(int32(Created), int32(Starting)) {
		return ErrServerStarted
	}
	defer close(s.started)

	s.table = s.opt.handlers
	s.invoke = s.buildInvoker()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.startCancel = cancel
	s.mu.Unlock()

	fut := transport.Bind(ctx, s.transport, service, opts...)
	b, err := fut.Wait(ctx)
	if err != nil {
		fut.Abandon()
	} else if s.isShutDown() {
		err = multierr.Append(ErrServerStopped, b.Release())
	}
	if err != nil {
		zap.L().Error("bind failed", zap.String("service", service), zap.String("transport", s.transport.Name()), zap.Error(err))
		s.state.Store(int32(Stopped))
		return multierr.Append(err, s.closeTransport())
	}

	s.mu.Lock()
	s.binding = b
	s.mu.Unlock()
	s.state.Store(int32(Running))

	zap.L().Info("service bound",
		zap.String("service", b.Service),
		zap.String("identity", b.Identity),
		zap.String("transport", b.Transport),
		zap.Stringer("addr", b.Addr),
	)

	go s.serveListener(b.Listener, b.Service)

	return nil
}

// Serve starts the server and blocks until ctx is done or the listener fails,
// then stops it.
func (s *Server) Serve(ctx context.Context, service string, opts ...transport.BindOption) error {
	if err := s.Start(ctx, service, opts...); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-s.acceptDone:
	}

	err := s.Stop()
	if s.acceptErr != nil {
		err = multierr.Append(s.acceptErr, err)
	}
	return err
}

// Stop tears the server down: stop accepting, let in-flight requests finish,
// release the binding, then close the transport. Only the first call does
// anything; later calls return nil.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	s.startShutdown()

	for {
		switch s.State() {
		case Created:
			if s.state.CompareAndSwap(int32(Created), int32(Stopped)) {
				return s.closeTransport()
			}
		case Starting:
			s.mu.Lock()
			if s.startCancel != nil {
				s.startCancel()
			}
			s.mu.Unlock()
			<-s.started
		case Running:
			if s.state.CompareAndSwap(int32(Running), int32(Stopping)) {
				return s.teardown()
			}
		default:
			// the start failed and already left the server Stopped
			return s.closeTransport()
		}
	}
}

func (s *Server) teardown() error {
	s.mu.Lock()
	b := s.binding
	s.mu.Unlock()

	var errs error
	errs = multierr.Append(errs, b.Close())
	<-s.acceptDone

	s.mu.Lock()
	for c := range s.conns {
		c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()
	s.serveWG.Wait()

	errs = multierr.Append(errs, b.Release())
	errs = multierr.Append(errs, s.closeTransport())

	s.state.Store(int32(Stopped))
	zap.L().Info("service stopped", zap.String("service", b.Service), zap.Error(errs))

	return errs
}

func (s *Server) closeTransport() error {
	s.transportOnce.Do(func() {
		s.transportErr = s.transport.Close()
	})
	return s.transportErr
}

func (s *Server) buildInvoker() Invoker {
	table := &s.table
	final := func(ctx context.Context, req protocol.Request) (protocol.Response, error) {
		if !table.Handles(req.Function()) && s.opt.exceptionPolicy == ReplyException {
			LogReceipt(ctx, req)
			return &protocol.ExceptionResponse{Func: req.Function(), Code: protocol.IllegalFunction}, nil
		}
		return Dispatch(ctx, table, req)
	}

	var mws []Middleware
	if s.opt.srvMiddleware != nil {
		mws = append(mws, s.opt.srvMiddleware)
	}
	mws = append(mws, s.opt.chainMiddlewares...)

	return chainMiddlewares(mws, final)
}

// serveListener accepts incoming connections on the Listener lis,
// creating a new service goroutine for each.
func (s *Server) serveListener(lis net.Listener, service string) {
	defer close(s.acceptDone)

	var tempDelay time.Duration // how long to sleep on accept failure

	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.isShutDown() {
				return
			}

			var ne net.Error
			if errors.As(err, &ne) && (ne.Timeout() || isRecoverableError(err)) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				zap.L().Warn("accept error, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				timer := time.NewTimer(tempDelay)
				select {
				case <-timer.C:
				case <-s.done:
					timer.Stop()
					return
				}
				continue
			}

			zap.L().Error("accept failed", zap.String("service", service), zap.Error(err))
			s.acceptErr = fmt.Errorf("zmodbus: accept on %q: %w", service, err)
			return
		}
		tempDelay = 0

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.serveWG.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.serveWG.Done()
			s.serveConn(conn, service)
		}()
	}
}

// serveConn runs the request pipeline on a single connection. Frames are
// handled one at a time so responses leave in request order.
func (s *Server) serveConn(conn net.Conn, service string) {
	sess := peer.FromConn(conn)
	if sess.Service == "" {
		sess.Service = service
	}
	ctx := peer.NewContext(context.Background(), sess)

	sh := s.opt.statsHandlers
	if len(sh) > 0 {
		ctx = sh.TagConn(ctx, &stats.ConnTagInfo{Session: sess, Service: service})
		sh.HandleConn(ctx, &stats.ConnBegin{BeginTime: time.Now()})
	}

	var requests int
	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			zap.L().Error(fmt.Sprintf("serving %s panic error: %s, stack:\n %s", sess, err, buf))
		}

		if len(sh) > 0 {
			sh.HandleConn(ctx, &stats.ConnEnd{EndTime: time.Now(), Requests: requests})
		}
		s.removeConn(conn)
	}()

	for {
		if s.opt.readTimeout != 0 {
			conn.SetReadDeadline(time.Now().Add(s.opt.readTimeout))
		}
		// checked after arming the deadline so Stop's nudge cannot be overwritten
		if s.isShutDown() {
			return
		}

		f, err := protocol.ReadFrame(conn, s.opt.bufferPool)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidProtocol) {
				zap.L().Debug("dropping non-modbus frame", zap.Stringer("session", sess))
				continue
			}
			logReadError(sess, err, s.isShutDown())
			return
		}

		requests++
		s.handleFrame(ctx, conn, f)
	}
}

func logReadError(sess peer.Session, err error, shutdown bool) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		zap.L().Info("client has closed the connection", zap.Stringer("session", sess))
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		zap.L().Info("connection is closed", zap.Stringer("session", sess))
	case errors.As(err, &ne) && ne.Timeout():
		if !shutdown {
			zap.L().Info("closing idle connection", zap.Stringer("session", sess))
		}
	case errors.Is(err, protocol.ErrInvalidLength):
		zap.L().Warn("framing lost, closing connection", zap.Stringer("session", sess), zap.Error(err))
	default:
		zap.L().Warn("failed to read request", zap.Stringer("session", sess), zap.Error(err))
	}
}

// handleFrame owns f and releases it before returning.
func (s *Server) handleFrame(ctx context.Context, conn net.Conn, f *protocol.Frame) {
	defer f.Release()

	begin := time.Now()
	sh := s.opt.statsHandlers
	if len(sh) > 0 {
		ctx = sh.TagRequest(ctx, &stats.RequestTagInfo{
			Function:      f.Function(),
			UnitID:        f.Header.UnitID(),
			TransactionID: f.Header.TransactionID(),
		})
		sh.HandleRequest(ctx, &stats.Begin{BeginTime: begin})
		sh.HandleRequest(ctx, &stats.InPayload{WireLength: protocol.HeaderLen - 1 + int(f.Header.Length()), RecvTime: begin})
	}

	resp, err := s.processRequest(ctx, f)

	outcome := stats.NoResponse
	if resp != nil {
		n, werr := s.sendResponse(conn, f.Header, resp)
		switch {
		case werr != nil:
			outcome = stats.Failed
			err = multierr.Append(err, werr)
		case isException(resp):
			outcome = stats.Exception
		default:
			outcome = stats.Responded
		}
		if werr == nil && len(sh) > 0 {
			sh.HandleRequest(ctx, &stats.OutPayload{WireLength: n, SentTime: time.Now()})
		}
	}

	if len(sh) > 0 {
		sh.HandleRequest(ctx, &stats.End{BeginTime: begin, EndTime: time.Now(), Outcome: outcome, Error: err})
	}
}

// processRequest decodes and dispatches one frame. A nil response means
// nothing is written; the error is reported to stats handlers only.
func (s *Server) processRequest(ctx context.Context, f *protocol.Frame) (protocol.Response, error) {
	sess, _ := peer.FromContext(ctx)

	req, err := f.Request()
	if err != nil {
		zap.L().Warn("dropping undecodable request",
			zap.Stringer("function", f.Function()),
			zap.Stringer("session", sess),
			zap.Error(err),
		)
		if code, ok := protocol.ExceptionFor(err); ok {
			return s.exception(f.Function(), code), err
		}
		return nil, err
	}

	resp, err := s.invoke(ctx, req)
	if err != nil {
		zap.L().Error("handler failed",
			zap.Stringer("function", req.Function()),
			zap.Stringer("session", sess),
			zap.Error(err),
		)
		return s.exception(req.Function(), protocol.ServerDeviceFailure), err
	}
	return resp, nil
}

// exception returns the reply for an unanswerable request under the
// configured policy, or nil when the request is to be dropped.
func (s *Server) exception(fc protocol.FunctionCode, code protocol.ExceptionCode) protocol.Response {
	if s.opt.exceptionPolicy != ReplyException {
		return nil
	}
	return &protocol.ExceptionResponse{Func: fc, Code: code}
}

func isException(resp protocol.Response) bool {
	_, ok := resp.(*protocol.ExceptionResponse)
	return ok
}

// sendResponse encodes and writes resp, returning the bytes written.
func (s *Server) sendResponse(conn net.Conn, h protocol.Header, resp protocol.Response) (int, error) {
	buf, err := protocol.EncodeResponse(h, resp, s.opt.bufferPool)
	if err != nil {
		zap.L().Error("failed to encode response", zap.Stringer("function", resp.Function()), zap.Error(err))
		return 0, err
	}
	defer buf.Free()

	if s.opt.writeTimeout != 0 {
		conn.SetWriteDeadline(time.Now().Add(s.opt.writeTimeout))
	}
	n, err := conn.Write(buf.ReadOnlyData())
	if err != nil {
		zap.L().Error("failed to send response", zap.Stringer("function", resp.Function()), zap.Error(err))
	}
	return n, err
}

func (s *Server) isShutDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) startShutdown() {
	if s.inShutdown.CompareAndSwap(false, true) {
		close(s.done)
	}
}

func (s *Server) removeConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	conn.Close()
}

func isRecoverableError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EINTR) {
		return true
	}
	return false
}
