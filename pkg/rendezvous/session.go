// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rendezvous synchronizes the processes (tasks) of a distributed benchmark job.
//
// Task 0 hosts a small gRPC coordinator on the coordinator address, and every task (task 0 included) joins
// the session: the coordinator checks that all tasks agree on the number of nodes and on the benchmark plan
// fingerprint. After that the tasks can meet at barriers, each identified by a label that must match
// across the tasks, and gather a payload from every task.
//
// Any inconsistency or timeout aborts the session for all tasks.
package rendezvous

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"
)

// clientGrace is added to the timeout of the calls to the coordinator, so the coordinator's own timeout,
// which reports the missing tasks, fires first.
const clientGrace = 5 * time.Second

// Options to join a session.
type Options struct {
	// Address of the coordinator, in host:port format.
	Address string

	NumNodes, TaskID int

	// Fingerprint of the benchmark plan, all tasks must have the same.
	Fingerprint string

	// Timeout of every synchronization point.
	Timeout time.Duration

	// Listener used by task 0 to serve the coordinator. If nil, it listens on Address with TCP.
	Listener net.Listener

	// DialOptions are extra options used by the other tasks to connect to the coordinator.
	DialOptions []grpc.DialOption
}

// Session of one task in a job. Its methods must be called in the same order by all the tasks.
type Session struct {
	opts      Options
	sessionID string
	coord     coordinator

	mu     sync.Mutex
	seq    int64
	closed bool
}

// Join the session of the job, blocking until all the tasks joined.
//
// For a single node job no coordinator is started, and the session is a no-op.
func Join(ctx context.Context, opts Options) (*Session, error) {
	if opts.NumNodes < 1 || opts.TaskID < 0 || opts.TaskID >= opts.NumNodes {
		return nil, errors.Errorf("invalid task id %d for num_nodes=%d", opts.TaskID, opts.NumNodes)
	}
	if opts.Timeout <= 0 {
		return nil, errors.Errorf("rendezvous timeout must be positive, got %s", opts.Timeout)
	}
	s := &Session{opts: opts}
	if opts.NumNodes == 1 {
		s.sessionID = "local"
		return s, nil
	}

	if opts.TaskID == 0 {
		lis := opts.Listener
		if lis == nil {
			var err error
			lis, err = net.Listen("tcp", opts.Address)
			if err != nil {
				return nil, errors.Wrapf(err, "task 0 failed to listen on coordinator address %q", opts.Address)
			}
		}
		server := NewServer(opts.NumNodes, opts.Fingerprint, opts.Timeout)
		server.Serve(lis)
		s.coord = &local{server: server}
	} else {
		client, err := NewClient(opts.Address, opts.DialOptions...)
		if err != nil {
			return nil, err
		}
		s.coord = client
	}

	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	sessionID, err := s.coord.register(callCtx, registerRequest{
		TaskID: opts.TaskID, NumNodes: opts.NumNodes, Fingerprint: opts.Fingerprint})
	if err != nil {
		_ = s.coord.close()
		return nil, errors.Wrapf(err, "task %d failed to join the session at %s", opts.TaskID, opts.Address)
	}
	s.sessionID = sessionID
	klog.Infof("Task %d/%d joined session %s (coordinator %s)", opts.TaskID, opts.NumNodes, sessionID, opts.Address)
	return s, nil
}

// SessionID returns the unique id of the session, the same for all tasks.
func (s *Session) SessionID() string { return s.sessionID }

func (s *Session) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.Timeout+clientGrace)
}

// next returns the sequence number of the next synchronization point.
func (s *Session) next() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("rendezvous session already closed")
	}
	seq := s.seq
	s.seq++
	return seq, nil
}

// Barrier blocks until all tasks reach the barrier with the same label.
func (s *Session) Barrier(ctx context.Context, label string) error {
	seq, err := s.next()
	if err != nil || s.coord == nil {
		return err
	}
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	_, err = s.coord.meet(callCtx, methodBarrier, meetRequest{TaskID: s.opts.TaskID, Seq: seq, Label: label})
	if err != nil {
		return errors.Wrapf(err, "task %d failed at barrier #%d (%q)", s.opts.TaskID, seq, label)
	}
	return nil
}

// AllGather sends payload to all tasks, and returns the payloads of all tasks, indexed by task id.
func (s *Session) AllGather(ctx context.Context, label string, payload []byte) ([][]byte, error) {
	seq, err := s.next()
	if err != nil {
		return nil, err
	}
	if s.coord == nil {
		return [][]byte{payload}, nil
	}
	if payload == nil {
		payload = []byte{}
	}
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	payloads, err := s.coord.meet(callCtx, methodGather,
		meetRequest{TaskID: s.opts.TaskID, Seq: seq, Label: label, Payload: payload})
	if err != nil {
		return nil, errors.Wrapf(err, "task %d failed to gather #%d (%q)", s.opts.TaskID, seq, label)
	}
	if len(payloads) != s.opts.NumNodes {
		return nil, errors.Errorf("gather #%d (%q) returned %d payloads, expected %d",
			seq, label, len(payloads), s.opts.NumNodes)
	}
	return payloads, nil
}

// Abort tells the other tasks that this task failed with reason, so they fail promptly instead of
// waiting for it at their next synchronization point until the timeout.
//
// It is best-effort: it waits at most a few seconds for the coordinator, and it still works after ctx is cancelled.
func (s *Session) Abort(ctx context.Context, reason error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.coord == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clientGrace)
	defer cancel()
	if err := s.coord.abort(callCtx, abortRequest{TaskID: s.opts.TaskID, Reason: reason.Error()}); err != nil {
		return errors.Wrapf(err, "task %d failed to abort the session", s.opts.TaskID)
	}
	return nil
}

// Close leaves the session. For task 0 it also stops the coordinator, aborting any task still waiting on it.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.coord == nil {
		return nil
	}
	return s.coord.close()
}
