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
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"shardfs/internal/shard"
)

// nfsHandleCacheSize bounds the caching handler's file handle table.
const nfsHandleCacheSize = 65536

// NFSServer serves the shard namespace over NFSv3.
type NFSServer struct {
	listener net.Listener
	server   *nfs.Server
	cancel   context.CancelFunc
	addr     string
}

// NewNFSServer creates an NFS server over a shard manager
func NewNFSServer(mgr *shard.Manager) *NFSServer {
	// Match go-nfs log verbosity to the daemon's
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}

	billyFS := NewBillyAdapter(mgr)
	handler := nfshelper.NewNullAuthHandler(billyFS)
	cacheHelper := nfshelper.NewCachingHandler(handler, nfsHandleCacheSize)

	ctx, cancel := context.WithCancel(context.Background())
	server := &nfs.Server{
		Handler: cacheHelper,
		Context: ctx,
	}

	return &NFSServer{server: server, cancel: cancel}
}

// Start listens on the loopback interface at the given port and serves in
// the background. When the configured port is taken it falls back to a
// kernel-assigned one; the bound address is what Addr and status report.
func (s *NFSServer) Start(port int) (string, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", fmt.Errorf("nfs listen: %w", err)
		}
		log.Warnf("[nfs] port %d unavailable, using %s", port, listener.Addr())
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Errorf("[nfs] serve: %v", err)
		}
	}()

	return s.addr, nil
}

// Addr returns the bound address, empty before Start.
func (s *NFSServer) Addr() string {
	return s.addr
}

// Stop closes the listener and cancels in-flight handlers.
func (s *NFSServer) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}

	// Settle time for in-flight NFS operations after the listener closes
	time.Sleep(100 * time.Millisecond)

	if s.cancel != nil {
		s.cancel()
	}
}

// MountCommand returns the mount invocation for a served address, suitable
// for operator hints in logs and CLI output.
func MountCommand(addr, mountPath string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = "127.0.0.1", "20490"
	}
	return fmt.Sprintf("mount -o port=%s,mountport=%s,tcp,nolocks,vers=3,soft %s:/ %s",
		port, port, host, mountPath)
}
