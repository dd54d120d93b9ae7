// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"encoding/base64"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName of the coordinator gRPC service.
const ServiceName = "collperf.rendezvous.Coordinator"

const (
	methodRegister = "Register"
	methodBarrier  = "Barrier"
	methodGather   = "Gather"
	methodAbort    = "Abort"
)

func fullMethod(method string) string { return "/" + ServiceName + "/" + method }

// coordinatorService is implemented by the server side of the coordinator.
type coordinatorService interface {
	Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Barrier(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Gather(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Abort(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// serviceDesc describes the coordinator service. Messages are google.protobuf.Struct, so no generated
// code is needed.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*coordinatorService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodRegister, Handler: unaryHandler(methodRegister, coordinatorService.Register)},
		{MethodName: methodBarrier, Handler: unaryHandler(methodBarrier, coordinatorService.Barrier)},
		{MethodName: methodGather, Handler: unaryHandler(methodGather, coordinatorService.Gather)},
		{MethodName: methodAbort, Handler: unaryHandler(methodAbort, coordinatorService.Abort)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collperf/rendezvous.proto",
}

type unaryMethod func(srv coordinatorService, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, fn unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(coordinatorService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(coordinatorService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// registerRequest is sent once by every task when joining.
type registerRequest struct {
	TaskID, NumNodes int
	Fingerprint      string
}

func (r registerRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"task_id":     r.TaskID,
		"num_nodes":   r.NumNodes,
		"fingerprint": r.Fingerprint,
	})
}

func registerRequestFromStruct(s *structpb.Struct) registerRequest {
	fields := s.GetFields()
	return registerRequest{
		TaskID:      int(fields["task_id"].GetNumberValue()),
		NumNodes:    int(fields["num_nodes"].GetNumberValue()),
		Fingerprint: fields["fingerprint"].GetStringValue(),
	}
}

// abortRequest is sent by a task that failed, so the other tasks don't wait for it until the timeout.
type abortRequest struct {
	TaskID int
	Reason string
}

func (r abortRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"task_id": r.TaskID,
		"reason":  r.Reason,
	})
}

func abortRequestFromStruct(s *structpb.Struct) abortRequest {
	fields := s.GetFields()
	return abortRequest{
		TaskID: int(fields["task_id"].GetNumberValue()),
		Reason: fields["reason"].GetStringValue(),
	}
}

// meetRequest is sent by every task at every synchronization point (barrier or gather).
type meetRequest struct {
	TaskID  int
	Seq     int64
	Label   string
	Payload []byte
}

func (r meetRequest) toStruct() (*structpb.Struct, error) {
	fields := map[string]any{
		"task_id": r.TaskID,
		"seq":     r.Seq,
		"label":   r.Label,
	}
	if r.Payload != nil {
		// structpb encodes []byte as a base64 string.
		fields["payload"] = r.Payload
	}
	return structpb.NewStruct(fields)
}

func meetRequestFromStruct(s *structpb.Struct) (meetRequest, error) {
	fields := s.GetFields()
	r := meetRequest{
		TaskID: int(fields["task_id"].GetNumberValue()),
		Seq:    int64(fields["seq"].GetNumberValue()),
		Label:  fields["label"].GetStringValue(),
	}
	if v, found := fields["payload"]; found {
		payload, err := base64.StdEncoding.DecodeString(v.GetStringValue())
		if err != nil {
			return r, errors.Wrapf(err, "invalid payload from task %d", r.TaskID)
		}
		r.Payload = payload
	}
	return r, nil
}

// meetResponse returns the session id and, for gathers, the payloads of all tasks, indexed by task id.
func meetResponse(sessionID string, payloads [][]byte) (*structpb.Struct, error) {
	fields := map[string]any{"session_id": sessionID}
	if payloads != nil {
		list := make([]any, len(payloads))
		for ii, payload := range payloads {
			list[ii] = payload
		}
		fields["payloads"] = list
	}
	return structpb.NewStruct(fields)
}

func meetResponseFromStruct(s *structpb.Struct) (sessionID string, payloads [][]byte, err error) {
	fields := s.GetFields()
	sessionID = fields["session_id"].GetStringValue()
	list := fields["payloads"].GetListValue()
	if list == nil {
		return sessionID, nil, nil
	}
	payloads = make([][]byte, len(list.GetValues()))
	for ii, v := range list.GetValues() {
		payloads[ii], err = base64.StdEncoding.DecodeString(v.GetStringValue())
		if err != nil {
			return sessionID, nil, errors.Wrapf(err, "invalid payload #%d in response", ii)
		}
	}
	return sessionID, payloads, nil
}
