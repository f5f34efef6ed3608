package usbpiper

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/billauer/usbpiper/internal/cdus"
	"github.com/billauer/usbpiper/internal/constants"
	"github.com/billauer/usbpiper/internal/interfaces"
	"github.com/billauer/usbpiper/internal/ioloop"
	"github.com/billauer/usbpiper/internal/logging"
	"github.com/billauer/usbpiper/internal/usbio"
)

// EndpointSpec describes one USB endpoint to expose as a character
// device. Exactly one of In or Out must be set, matching Dir; the
// character device name is derived from Kind/Dir/Number following
// constants.EndpointNamePattern.
type EndpointSpec struct {
	// Kind is "bulk" or "interrupt", used only for naming.
	Kind string

	// Number is the USB endpoint number, used only for naming.
	Number int

	Dir usbio.Direction
	TT  usbio.TransferType

	In  usbio.InTransferEndpoint
	Out usbio.OutTransferEndpoint

	// FIFOSize overrides the default FIFO capacity for this endpoint; 0
	// selects constants.InFIFOSize/OutFIFOSize based on Dir.
	FIFOSize uint32
}

func (s EndpointSpec) name() string {
	dir := "in"
	if s.Dir == usbio.DirectionOut {
		dir = "out"
	}
	return fmt.Sprintf(constants.EndpointNamePattern, s.Kind, dir, s.Number)
}

func (s EndpointSpec) fifoSize() uint32 {
	if s.FIFOSize != 0 {
		return s.FIFOSize
	}
	if s.Dir == usbio.DirectionOut {
		return constants.OutFIFOSize
	}
	return constants.InFIFOSize
}

// ServerParams configures Serve.
type ServerParams struct {
	// Endpoints lists every USB endpoint to bridge. Each becomes its own
	// character device with its own CDUS connection and state machine.
	Endpoints []EndpointSpec
}

// DefaultParams returns an empty ServerParams; callers fill in Endpoints.
func DefaultParams() ServerParams {
	return ServerParams{}
}

// Options contains additional options for Serve.
type Options struct {
	// Observer receives per-request completion events. Defaults to a
	// fresh *Metrics if nil.
	Observer interfaces.Observer
}

// Server owns one event loop and every character-device file and USB
// endpoint it multiplexes.
type Server struct {
	loop      *ioloop.Loop
	files     []*cdus.FileState
	endpoints []*usbio.Endpoint
	metrics   *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	runErr chan error
}

// Serve opens one /dev/cuse connection per endpoint, wires up the
// endpoint engines and per-file state machines, and starts the event
// loop in a background goroutine. Callers drive lifetime via ctx or
// StopAndDelete.
func Serve(ctx context.Context, params ServerParams, options *Options) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if len(params.Endpoints) == 0 {
		return nil, NewError("SERVE", ErrCodeInvalidRequest, "at least one endpoint is required")
	}

	metrics := NewMetrics()
	var observer interfaces.Observer = metrics
	if options.Observer != nil {
		observer = options.Observer
	}

	loop, err := ioloop.New()
	if err != nil {
		return nil, WrapError("SERVE", err)
	}

	srv := &Server{
		loop:    loop,
		metrics: metrics,
		runErr:  make(chan error, 1),
	}
	srv.ctx, srv.cancel = context.WithCancel(ctx)

	for _, spec := range params.Endpoints {
		if err := srv.addEndpoint(spec, observer); err != nil {
			srv.teardown()
			return nil, err
		}
	}

	go func() {
		srv.runErr <- srv.loop.Run()
	}()

	go func() {
		<-srv.ctx.Done()
		srv.loop.Close()
	}()

	return srv, nil
}

func (srv *Server) addEndpoint(spec EndpointSpec, observer interfaces.Observer) error {
	name := spec.name()

	var source, sink *usbio.Endpoint

	ep, err := usbio.NewEndpoint(name, spec.Dir, spec.TT, spec.fifoSize(), spec.In, spec.Out, nil)
	if err != nil {
		return WrapError("SERVE", err)
	}
	srv.endpoints = append(srv.endpoints, ep)

	if spec.Dir == usbio.DirectionIn {
		source = ep
	} else {
		sink = ep
	}

	conn, err := cdus.OpenCuse()
	if err != nil {
		return NewEndpointError("SERVE", name, ErrCodeTransportFailed, err.Error())
	}

	file, err := cdus.NewFileState(name, conn, source, sink, observer)
	if err != nil {
		conn.Close()
		return WrapError("SERVE", err)
	}
	ep.SetHooks(file)
	srv.files = append(srv.files, file)

	if err := srv.loop.Add(file.ConnFD(), unix.EPOLLIN, file.OnConnReadable); err != nil {
		return WrapError("SERVE", err)
	}
	if err := srv.loop.Add(file.TimerFD(), unix.EPOLLIN, file.OnTimerReadable); err != nil {
		return WrapError("SERVE", err)
	}
	if err := srv.loop.Add(ep.NotifyFD(), unix.EPOLLIN, ep.OnNotifyReadable); err != nil {
		return WrapError("SERVE", err)
	}

	logging.Default().Infof("usbpiper: serving %s", name)
	return nil
}

func (srv *Server) teardown() {
	for _, f := range srv.files {
		f.Close()
	}
	for _, ep := range srv.endpoints {
		ep.Close()
	}
}

// Metrics returns the server's built-in metrics collector. If a custom
// Observer was supplied to Serve, this still tracks nothing, since the
// custom observer replaced it entirely.
func (srv *Server) Metrics() *Metrics { return srv.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the server's
// metrics.
func (srv *Server) MetricsSnapshot() MetricsSnapshot {
	if srv == nil || srv.metrics == nil {
		return MetricsSnapshot{}
	}
	return srv.metrics.Snapshot()
}

// Endpoints returns the names of every character device being served.
func (srv *Server) Endpoints() []string {
	names := make([]string, len(srv.files))
	for i, f := range srv.files {
		names[i] = f.Name
	}
	return names
}

// StopAndDelete shuts the event loop down and releases every connection,
// timer, and endpoint resource. It blocks until the event loop goroutine
// has exited or ctx is done; in the latter case nothing is released.
func StopAndDelete(ctx context.Context, srv *Server) error {
	if srv == nil {
		return NewError("STOP", ErrCodeInvalidRequest, "nil server")
	}

	srv.cancel()
	srv.metrics.Stop()

	select {
	case err := <-srv.runErr:
		srv.teardown()
		if err != nil {
			return WrapError("STOP", err)
		}
		return nil
	case <-ctx.Done():
		return WrapError("STOP", ctx.Err())
	}
}
