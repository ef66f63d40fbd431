package grpc

import (
	"context"
	"errors"
	"net"

	"ledgerpay/internal/model"
	"ledgerpay/internal/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ledgerService = "ledgerpay.v1.Ledger"

// LedgerServer is the ledgerpay.v1.Ledger service.
type LedgerServer interface {
	Credit(ctx context.Context, req *PostingRequest) (*EntryResponse, error)
	Debit(ctx context.Context, req *PostingRequest) (*EntryResponse, error)
	GetBalance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ledgerService,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Credit", Handler: unary("Credit", LedgerServer.Credit)},
		{MethodName: "Debit", Handler: unary("Debit", LedgerServer.Debit)},
		{MethodName: "GetBalance", Handler: unary("GetBalance", LedgerServer.GetBalance)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledgerpay/v1/ledger.proto",
}

// unary adapts a typed method to grpc.MethodHandler.
func unary[Req, Resp any](name string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ledgerService + "/" + name}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type Server struct {
	svc  service.LedgerService
	srv  *grpc.Server
	addr string
}

func NewServer(addr string, svc service.LedgerService) *Server {
	s := &Server{svc: svc, addr: addr, srv: grpc.NewServer()}
	s.srv.RegisterService(&ledgerServiceDesc, s)
	return s
}

// ServeEvents additionally serves EventService on the same listener. It must
// be called before Start.
func (s *Server) ServeEvents(h EventHandler) {
	RegisterEventService(s.srv, h)
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve runs the server on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

func (s *Server) Stop(ctx context.Context) error {
	s.srv.GracefulStop()
	return nil
}

func (s *Server) Credit(ctx context.Context, req *PostingRequest) (*EntryResponse, error) {
	e, err := s.svc.Credit(ctx, req.posting())
	if err != nil {
		return nil, toStatus(err)
	}
	return &EntryResponse{Entry: *e}, nil
}

func (s *Server) Debit(ctx context.Context, req *PostingRequest) (*EntryResponse, error) {
	e, err := s.svc.Debit(ctx, req.posting())
	if err != nil {
		return nil, toStatus(err)
	}
	return &EntryResponse{Entry: *e}, nil
}

func (s *Server) GetBalance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error) {
	if req.UserID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "user_id must be positive")
	}
	bal, err := s.svc.Balance(ctx, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{UserID: req.UserID, Balance: bal}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, model.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, model.ErrInsufficientBalance):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, model.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
