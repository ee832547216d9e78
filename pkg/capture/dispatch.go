package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"

	meshgrpc "github.com/meshsight/meshsight/pkg/grpc"
)

// Command names a capture lifecycle operation executed by whichever process
// owns the writers.
type Command string

const (
	CommandActivate  Command = "activate"
	CommandStop      Command = "stop"
	CommandCancel    Command = "cancel"
	CommandDelete    Command = "delete"
	CommandStopAll   Command = "stop_all"
	CommandDeleteAll Command = "delete_all"
)

// Request is one dispatched capture command.
type Request struct {
	Command   Command `json:"command"`
	SessionID int64   `json:"session_id,omitempty"`
}

// Response reports the worker-side outcome. Error is the execution failure
// text; transport failures surface as RPC errors instead.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Dispatcher forwards capture commands to the process owning the writers.
type Dispatcher interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

const (
	dispatchServiceName = "meshsight.CaptureDispatch"
	dispatchMethodName  = "Execute"
	dispatchFullMethod  = "/" + dispatchServiceName + "/" + dispatchMethodName
)

// GRPCDispatcher sends commands over a raw-codec unary call.
type GRPCDispatcher struct {
	client *meshgrpc.ClientConn
}

func NewGRPCDispatcher(client *meshgrpc.ClientConn) *GRPCDispatcher {
	return &GRPCDispatcher{client: client}
}

func (d *GRPCDispatcher) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errActivationFailed, err)
	}

	reply, err := d.client.InvokeRaw(ctx, dispatchFullMethod, body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", errDispatchTimeout, req.Command)
		}

		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("malformed dispatch response: %w", err)
	}

	return &resp, nil
}

// Executor is the worker-side command surface; *Service implements it.
type Executor interface {
	ActivateLocal(sessionID int64) error
	Stop(ctx context.Context, sessionID int64) error
	Cancel(ctx context.Context, sessionID int64) error
	Delete(ctx context.Context, sessionID int64) error
	StopAll(ctx context.Context) error
	DeleteAll(ctx context.Context) error
}

// Worker serves dispatched commands against a local Executor.
type Worker struct {
	exec Executor
}

func NewWorker(exec Executor) *Worker {
	return &Worker{exec: exec}
}

// Execute runs one command. Execution failures come back inside the
// Response so the caller can tell them apart from transport failures.
func (w *Worker) Execute(ctx context.Context, body []byte) (*Response, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed dispatch request: %w", err)
	}

	var err error

	switch req.Command {
	case CommandActivate:
		err = w.exec.ActivateLocal(req.SessionID)
	case CommandStop:
		err = w.exec.Stop(ctx, req.SessionID)
	case CommandCancel:
		err = w.exec.Cancel(ctx, req.SessionID)
	case CommandDelete:
		err = w.exec.Delete(ctx, req.SessionID)
	case CommandStopAll:
		err = w.exec.StopAll(ctx)
	case CommandDeleteAll:
		err = w.exec.DeleteAll(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCommand, req.Command)
	}

	if err != nil {
		return &Response{Error: err.Error()}, nil
	}

	return &Response{OK: true}, nil
}

// RegisterWorker exposes the worker on a gRPC server under the dispatch
// service name. The server must force the raw codec.
func RegisterWorker(s *grpc.Server, w *Worker) {
	s.RegisterService(&dispatchServiceDesc, w)
}

var dispatchServiceDesc = grpc.ServiceDesc{
	ServiceName: dispatchServiceName,
	HandlerType: (*dispatchServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: dispatchMethodName,
			Handler:    dispatchExecuteHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meshsight/capture",
}

type dispatchServer interface {
	Execute(ctx context.Context, body []byte) (*Response, error)
}

func dispatchExecuteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(meshgrpc.RawMessage)
	if err := dec(in); err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(dispatchServer).Execute(ctx, *req.(*meshgrpc.RawMessage))
		if err != nil {
			return nil, err
		}

		body, err := json.Marshal(resp)
		if err != nil {
			return nil, err
		}

		return meshgrpc.RawMessage(body), nil
	}

	if interceptor == nil {
		return handler(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: dispatchFullMethod}

	return interceptor(ctx, in, info, handler)
}
