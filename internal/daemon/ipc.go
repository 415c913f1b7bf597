// Copyright 2025 ShardFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
)

// Request types
const (
	RequestPing   = "ping"
	RequestStatus = "status"
	RequestStop   = "stop"
)

// Request represents an IPC request
type Request struct {
	Type string `json:"type"`
}

// StatusInfo represents the running daemon's state for status responses
type StatusInfo struct {
	PID        int      `json:"pid"`
	Version    string   `json:"version,omitempty"`
	InstanceID string   `json:"instance_id,omitempty"` // unique per daemon run
	StartedAt  int64    `json:"started_at"`            // Unix milliseconds
	UptimeSec  int64    `json:"uptime_sec"`
	DataDir    string   `json:"data_dir"`
	Shards     []string `json:"shards,omitempty"`      // shard segments present in the data dir
	OpenShards int      `json:"open_shards"`           // shards with a live handle
	HTTPAddr   string   `json:"http_addr,omitempty"`
	NFSAddr    string   `json:"nfs_addr,omitempty"`
}

// Response represents an IPC response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	PID     int         `json:"pid,omitempty"`
	Status  *StatusInfo `json:"status,omitempty"`
}

// Server is the IPC server
type Server struct {
	listener net.Listener
	handler  func(*Request) *Response
}

// NewServer creates a new IPC server
func NewServer(handler func(*Request) *Response) *Server {
	return &Server{handler: handler}
}

// Start starts the IPC server
func (s *Server) Start() error {
	// Remove existing socket
	os.Remove(SocketPath())

	// Create listener
	listener, err := net.Listen("unix", SocketPath())
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	s.listener = listener

	// Make socket accessible
	os.Chmod(SocketPath(), 0600)

	// Start accepting connections
	go s.accept()

	return nil
}

// Stop stops the IPC server
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(SocketPath())
	}
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // Server stopped
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	// Read request
	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		return
	}

	// Handle request
	resp := s.handler(&req)

	// Send response
	encoder := json.NewEncoder(conn)
	encoder.Encode(resp)
}

// Client is the IPC client
type Client struct {
	conn net.Conn
}

// Connect connects to the daemon
func Connect() (*Client, error) {
	conn, err := net.Dial("unix", SocketPath())
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send sends a request and returns the response
func (c *Client) Send(req *Request) (*Response, error) {
	// Send request
	encoder := json.NewEncoder(c.conn)
	if err := encoder.Encode(req); err != nil {
		return nil, err
	}

	// Read response
	decoder := json.NewDecoder(c.conn)
	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("daemon closed connection")
		}
		return nil, err
	}

	return &resp, nil
}

// Ping sends a ping request
func (c *Client) Ping() (*Response, error) {
	return c.Send(&Request{Type: RequestPing})
}

// Status sends a status request
func (c *Client) Status() (*StatusInfo, error) {
	resp, err := c.Send(&Request{Type: RequestStatus})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("status failed: %s", resp.Error)
	}
	if resp.Status == nil {
		return nil, fmt.Errorf("status response missing payload")
	}
	return resp.Status, nil
}

// Stop sends a stop request
func (c *Client) Stop() (*Response, error) {
	return c.Send(&Request{Type: RequestStop})
}

// IsDaemonRunning checks if the daemon is running
func IsDaemonRunning() bool {
	client, err := Connect()
	if err != nil {
		return false
	}
	defer client.Close()
	resp, err := client.Ping()
	return err == nil && resp.Success
}
