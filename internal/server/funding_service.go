package server

import (
	"context"

	"FundingLedger/internal/ingestion"
	"FundingLedger/internal/query"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fundingledger.v1.FundingService"

// FundingServiceServer is the server API for FundingService.
type FundingServiceServer interface {
	OpenPosition(context.Context, *OpenPositionRequest) (*CommandResponse, error)
	ClosePosition(context.Context, *ClosePositionRequest) (*CommandResponse, error)
	PendingFunding(context.Context, *PendingFundingRequest) (*query.PendingFundingResponse, error)
	CurrentRate(context.Context, *Empty) (*query.RateResponse, error)
	CatchUp(context.Context, *Empty) (*CommandResponse, error)
	GetOpenInterest(context.Context, *Empty) (*query.OpenInterestResponse, error)
}

func unaryHandler[Req, Resp any](method string, call func(FundingServiceServer, context.Context, *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(FundingServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(FundingServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// FundingServiceDesc describes FundingService for grpc.Server.RegisterService.
var FundingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FundingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OpenPosition", Handler: unaryHandler("OpenPosition", FundingServiceServer.OpenPosition)},
		{MethodName: "ClosePosition", Handler: unaryHandler("ClosePosition", FundingServiceServer.ClosePosition)},
		{MethodName: "PendingFunding", Handler: unaryHandler("PendingFunding", FundingServiceServer.PendingFunding)},
		{MethodName: "CurrentRate", Handler: unaryHandler("CurrentRate", FundingServiceServer.CurrentRate)},
		{MethodName: "CatchUp", Handler: unaryHandler("CatchUp", FundingServiceServer.CatchUp)},
		{MethodName: "GetOpenInterest", Handler: unaryHandler("GetOpenInterest", FundingServiceServer.GetOpenInterest)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fundingledger/v1/funding.proto",
}

// ============================================================================
// FundingService gRPC implementation
// ============================================================================

type fundingServiceImpl struct {
	commands *ingestion.CommandService
	queries  *query.QueryService
}

func (s *fundingServiceImpl) OpenPosition(ctx context.Context, req *OpenPositionRequest) (*CommandResponse, error) {
	cmd, err := req.toCommand()
	if err != nil {
		return nil, grpcError(err)
	}
	res, err := s.commands.OpenPosition(ctx, cmd)
	if err != nil {
		return nil, grpcError(err)
	}
	return commandResponse(res), nil
}

func (s *fundingServiceImpl) ClosePosition(ctx context.Context, req *ClosePositionRequest) (*CommandResponse, error) {
	cmd, err := req.toCommand()
	if err != nil {
		return nil, grpcError(err)
	}
	res, err := s.commands.ClosePosition(ctx, cmd)
	if err != nil {
		return nil, grpcError(err)
	}
	return commandResponse(res), nil
}

func (s *fundingServiceImpl) PendingFunding(ctx context.Context, req *PendingFundingRequest) (*query.PendingFundingResponse, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, grpcError(err)
	}
	at := req.At
	if at == 0 {
		at = s.commands.Now()
	}
	resp, err := s.queries.PendingFunding(ctx, owner, at)
	if err != nil {
		return nil, grpcError(err)
	}
	return resp, nil
}

func (s *fundingServiceImpl) CurrentRate(ctx context.Context, _ *Empty) (*query.RateResponse, error) {
	resp, err := s.queries.CurrentRate(ctx)
	return resp, grpcError(err)
}

func (s *fundingServiceImpl) CatchUp(ctx context.Context, _ *Empty) (*CommandResponse, error) {
	res, err := s.commands.CatchUp(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return commandResponse(res), nil
}

func (s *fundingServiceImpl) GetOpenInterest(ctx context.Context, _ *Empty) (*query.OpenInterestResponse, error) {
	resp, err := s.queries.GetOpenInterest(ctx)
	return resp, grpcError(err)
}

// ============================================================================
// Client
// ============================================================================

// FundingServiceClient calls FundingService over the JSON codec.
type FundingServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewFundingServiceClient(cc grpc.ClientConnInterface) *FundingServiceClient {
	return &FundingServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FundingServiceClient) OpenPosition(ctx context.Context, in *OpenPositionRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "OpenPosition", in, opts)
}

func (c *FundingServiceClient) ClosePosition(ctx context.Context, in *ClosePositionRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "ClosePosition", in, opts)
}

func (c *FundingServiceClient) PendingFunding(ctx context.Context, in *PendingFundingRequest, opts ...grpc.CallOption) (*query.PendingFundingResponse, error) {
	return invoke[query.PendingFundingResponse](ctx, c.cc, "PendingFunding", in, opts)
}

func (c *FundingServiceClient) CurrentRate(ctx context.Context, opts ...grpc.CallOption) (*query.RateResponse, error) {
	return invoke[query.RateResponse](ctx, c.cc, "CurrentRate", &Empty{}, opts)
}

func (c *FundingServiceClient) CatchUp(ctx context.Context, opts ...grpc.CallOption) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "CatchUp", &Empty{}, opts)
}

func (c *FundingServiceClient) GetOpenInterest(ctx context.Context, opts ...grpc.CallOption) (*query.OpenInterestResponse, error) {
	return invoke[query.OpenInterestResponse](ctx, c.cc, "GetOpenInterest", &Empty{}, opts)
}
