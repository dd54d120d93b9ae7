// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// coordinator is the view a Session has of the coordinator: either the in-process Server (task 0) or
// a Client connected to it.
type coordinator interface {
	register(ctx context.Context, req registerRequest) (sessionID string, err error)
	meet(ctx context.Context, method string, req meetRequest) ([][]byte, error)
	abort(ctx context.Context, req abortRequest) error
	close() error
}

// Client connects to the coordinator hosted by task 0.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client to the coordinator at address. The connection is established lazily, and calls wait
// for the coordinator to be up.
func NewClient(address string, dialOpts ...grpc.DialOption) (*Client, error) {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, dialOpts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for coordinator at %q", address)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out, grpc.WaitForReady(true)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) register(ctx context.Context, req registerRequest) (string, error) {
	in, err := req.toStruct()
	if err != nil {
		return "", errors.Wrap(err, "encoding register request")
	}
	out, err := c.invoke(ctx, methodRegister, in)
	if err != nil {
		return "", err
	}
	sessionID, _, err := meetResponseFromStruct(out)
	return sessionID, err
}

func (c *Client) meet(ctx context.Context, method string, req meetRequest) ([][]byte, error) {
	in, err := req.toStruct()
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s request", method)
	}
	out, err := c.invoke(ctx, method, in)
	if err != nil {
		return nil, err
	}
	_, payloads, err := meetResponseFromStruct(out)
	return payloads, err
}

func (c *Client) abort(ctx context.Context, req abortRequest) error {
	in, err := req.toStruct()
	if err != nil {
		return errors.Wrap(err, "encoding abort request")
	}
	_, err = c.invoke(ctx, methodAbort, in)
	return err
}

func (c *Client) close() error {
	return c.conn.Close()
}

// local is the coordinator as seen by task 0, which hosts it.
type local struct {
	server *Server
}

func (l *local) register(ctx context.Context, req registerRequest) (string, error) {
	if err := l.server.register(ctx, req); err != nil {
		return "", err
	}
	return l.server.sessionID, nil
}

func (l *local) meet(ctx context.Context, _ string, req meetRequest) ([][]byte, error) {
	return l.server.meet(ctx, req)
}

func (l *local) abort(_ context.Context, req abortRequest) error {
	return l.server.abortBy(req)
}

func (l *local) close() error {
	l.server.Stop(errors.New("task 0 (the coordinator) left the session"))
	return nil
}
