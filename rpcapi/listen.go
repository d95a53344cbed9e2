package rpcapi

import (
	"net"
	"net/rpc"

	"github.com/tyronecai/ins/pkg/netutil"
)

// Listener owns the TCP listener and net/rpc server for one node's
// Service.
type Listener struct {
	net.Listener
}

// Serve registers svc under the name "Service" and accepts connections
// on addr until the listener is closed. It returns as soon as the
// listener is bound; connections are accepted in a background goroutine.
func Serve(addr string, svc *Service) (*Listener, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("Service", svc); err != nil {
		return nil, err
	}

	ln, err := netutil.NewListenerTCP(addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{Listener: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go server.ServeConn(conn)
		}
	}()
	return l, nil
}
