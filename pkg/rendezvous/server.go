// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

// registerSeq is the sequence number of the registration meeting, before any barrier.
const registerSeq = -1

// Server is the coordinator, hosted by task 0. It tracks every synchronization point of the job.
//
// Any inconsistency (a task with a different number of nodes or plan fingerprint, a duplicate task id,
// tasks reaching a synchronization point with different labels) or a timeout aborts the whole session:
// every pending and future call fails.
type Server struct {
	numNodes    int
	fingerprint string
	timeout     time.Duration
	sessionID   string

	mu       sync.Mutex
	meetings map[int64]*meeting
	abortErr error
	aborted  chan struct{}

	grpcServer *grpc.Server
}

// meeting is one synchronization point.
type meeting struct {
	seq      int64
	label    string
	arrived  []bool
	payloads [][]byte
	count    int
	returned int
	done     chan struct{}
}

// NewServer creates a coordinator for numNodes tasks, all of them required to have the given plan fingerprint.
func NewServer(numNodes int, fingerprint string, timeout time.Duration) *Server {
	return &Server{
		numNodes:    numNodes,
		fingerprint: fingerprint,
		timeout:     timeout,
		sessionID:   uuid.NewString(),
		meetings:    make(map[int64]*meeting),
		aborted:     make(chan struct{}),
	}
}

// SessionID is a unique id of the session, returned to every task.
func (s *Server) SessionID() string { return s.sessionID }

// Serve the coordinator service on the listener, in the background.
func (s *Server) Serve(lis net.Listener, opts ...grpc.ServerOption) {
	s.grpcServer = grpc.NewServer(opts...)
	s.grpcServer.RegisterService(&serviceDesc, &service{s: s})
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			klog.Errorf("rendezvous coordinator on %s stopped: %v", lis.Addr(), err)
		}
	}()
	klog.V(1).Infof("rendezvous coordinator listening on %s (session %s)", lis.Addr(), s.sessionID)
}

// Stop aborts any pending synchronization with reason, and stops the gRPC server after the pending calls return.
func (s *Server) Stop(reason error) {
	s.abort(status.Error(codes.Aborted, reason.Error()))
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// Err returns the reason the session was aborted, or nil.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortErr
}

func (s *Server) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(err)
}

func (s *Server) abortLocked(err error) {
	if s.abortErr != nil {
		return
	}
	klog.V(1).Infof("rendezvous session %s aborted: %v", s.sessionID, err)
	s.abortErr = err
	close(s.aborted)
}

// reject aborts the session on behalf of the offending task: the task gets FailedPrecondition,
// every other task gets Aborted.
func (s *Server) reject(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	s.abort(status.Error(codes.Aborted, msg))
	return status.Error(codes.FailedPrecondition, msg)
}

// abortBy aborts the session on behalf of a task that failed: every pending and future call fails with Aborted.
func (s *Server) abortBy(req abortRequest) error {
	if req.TaskID < 0 || req.TaskID >= s.numNodes {
		return status.Errorf(codes.InvalidArgument, "task id %d out of range for num_nodes=%d", req.TaskID, s.numNodes)
	}
	s.abort(status.Errorf(codes.Aborted, "task %d aborted the session: %s", req.TaskID, req.Reason))
	return nil
}

// register validates the task against the job, and waits for all the tasks to register.
func (s *Server) register(ctx context.Context, req registerRequest) error {
	if err := s.Err(); err != nil {
		return err
	}
	if req.NumNodes != s.numNodes {
		return s.reject("task %d was started with num_nodes=%d, but the coordinator has num_nodes=%d",
			req.TaskID, req.NumNodes, s.numNodes)
	}
	if req.Fingerprint != s.fingerprint {
		return s.reject("task %d has a different benchmark plan (fingerprint %s) than the coordinator (fingerprint %s): "+
			"all tasks must be started with the same flags", req.TaskID, req.Fingerprint, s.fingerprint)
	}
	_, err := s.meet(ctx, meetRequest{TaskID: req.TaskID, Seq: registerSeq, Label: "register"})
	if err == nil {
		klog.V(1).Infof("rendezvous session %s: task %d registered", s.sessionID, req.TaskID)
	}
	return err
}

// meet waits for all tasks to reach the synchronization point req.Seq, and returns the payloads of all tasks
// indexed by task id.
func (s *Server) meet(ctx context.Context, req meetRequest) ([][]byte, error) {
	if req.TaskID < 0 || req.TaskID >= s.numNodes {
		return nil, s.reject("task id %d out of range for num_nodes=%d", req.TaskID, s.numNodes)
	}
	s.mu.Lock()
	if s.abortErr != nil {
		err := s.abortErr
		s.mu.Unlock()
		return nil, err
	}
	m, found := s.meetings[req.Seq]
	if !found {
		m = &meeting{
			seq:      req.Seq,
			label:    req.Label,
			arrived:  make([]bool, s.numNodes),
			payloads: make([][]byte, s.numNodes),
			done:     make(chan struct{}),
		}
		s.meetings[req.Seq] = m
	}
	if m.label != req.Label {
		msg := fmt.Sprintf("tasks diverged at synchronization point #%d: task %d is at %q, but other tasks are at %q",
			req.Seq, req.TaskID, req.Label, m.label)
		s.abortLocked(status.Error(codes.Aborted, msg))
		s.mu.Unlock()
		return nil, status.Error(codes.FailedPrecondition, msg)
	}
	if m.arrived[req.TaskID] {
		msg := fmt.Sprintf("task %d joined synchronization point #%d (%q) twice: is task_id duplicated?",
			req.TaskID, req.Seq, req.Label)
		s.abortLocked(status.Error(codes.Aborted, msg))
		s.mu.Unlock()
		return nil, status.Error(codes.FailedPrecondition, msg)
	}
	m.arrived[req.TaskID] = true
	m.payloads[req.TaskID] = req.Payload
	m.count++
	if m.count == s.numNodes {
		close(m.done)
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-m.done:
		return s.leave(m), nil
	case <-s.aborted:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	case <-timer.C:
		s.mu.Lock()
		var missing []int
		for taskID, arrived := range m.arrived {
			if !arrived {
				missing = append(missing, taskID)
			}
		}
		s.abortLocked(status.Errorf(codes.DeadlineExceeded,
			"timed out after %s at synchronization point #%d (%q) waiting for tasks %v", s.timeout, m.seq, m.label, missing))
		s.mu.Unlock()
	}

	// The meeting may have completed concurrently with the abort.
	select {
	case <-m.done:
		return s.leave(m), nil
	default:
	}
	return nil, s.Err()
}

// leave returns the payloads of the meeting, and forgets it once every task has left.
func (s *Server) leave(m *meeting) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.returned++
	if m.returned == s.numNodes {
		delete(s.meetings, m.seq)
	}
	return m.payloads
}

// service implements coordinatorService for a Server.
type service struct {
	s *Server
}

var _ coordinatorService = (*service)(nil)

func (svc *service) Register(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := svc.s.register(ctx, registerRequestFromStruct(in)); err != nil {
		return nil, err
	}
	return meetResponse(svc.s.sessionID, nil)
}

func (svc *service) Barrier(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := meetRequestFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if _, err := svc.s.meet(ctx, req); err != nil {
		return nil, err
	}
	return meetResponse(svc.s.sessionID, nil)
}

func (svc *service) Gather(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := meetRequestFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	payloads, err := svc.s.meet(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := meetResponse(svc.s.sessionID, payloads)
	if err != nil {
		return nil, status.Error(codes.Internal, errors.WithMessage(err, "encoding gather response").Error())
	}
	return resp, nil
}

func (svc *service) Abort(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := svc.s.abortBy(abortRequestFromStruct(in)); err != nil {
		return nil, err
	}
	return meetResponse(svc.s.sessionID, nil)
}
