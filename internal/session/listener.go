package session

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// Listener accepts inbound transport connections on the server port,
// resolves the configured peer by remote address, and hands each
// connection to the matching session for adoption or collision
// arbitration. Connections from unconfigured addresses are dropped.
type Listener struct {
	addr   string
	peers  map[string]Config // keyed by peer host
	reg    *Registry
	dialer Dialer
	rde    Decision
	logger *zap.Logger
}

func NewListener(addr string, peers []Config, reg *Registry, dialer Dialer, decision Decision, logger *zap.Logger) *Listener {
	byHost := make(map[string]Config, len(peers))
	for _, p := range peers {
		byHost[p.Host] = p
	}
	return &Listener{
		addr:   addr,
		peers:  byHost,
		reg:    reg,
		dialer: dialer,
		rde:    decision,
		logger: logger,
	}
}

// Run accepts until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return err
	}
	l.logger.Info("listening", zap.String("addr", l.addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		l.handle(ctx, nc)
	}
}

func (l *Listener) handle(ctx context.Context, nc net.Conn) {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		nc.Close()
		return
	}

	cfg, ok := l.peers[host]
	if !ok {
		l.logger.Info("rejecting connection from unconfigured peer", zap.String("host", host))
		nc.Close()
		return
	}

	conn := NewTCPConn(nc)

	if s, ok := l.reg.Lookup(host); ok {
		s.HandleInbound(conn)
		return
	}

	// No session yet: the peer connected first. Run a passive session for
	// this connection.
	passive := cfg
	passive.FSM.Passive = true
	s := New(passive, l.dialer, l.rde, l.logger.Named("session."+host))
	l.reg.Register(host, s)
	go s.Run(ctx)
	s.Start(false)
	s.HandleInbound(conn)
}
