package server

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"e2e_relay/internal/broadcast"
	"e2e_relay/internal/protocol/packet"
	"e2e_relay/internal/utils/log"
)

// tcpSink writes encoded packets straight to the socket.
type tcpSink struct {
	conn    net.Conn
	timeout time.Duration
}

func (s *tcpSink) WriteFrame(f *broadcast.Frame) error {
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	_, err := s.conn.Write(f.Encoded)
	return err
}

func (s *tcpSink) Close() error {
	return s.conn.Close()
}

// ServeConn runs one binary-protocol connection until it closes or sends
// something that cannot be framed.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	userID, client, err := s.registerAssigned(&tcpSink{conn: conn, timeout: s.cfg.WriteTimeout})
	if err != nil {
		log.Error("register connection", zap.Error(err))
		conn.Close()
		return
	}
	defer func() {
		s.router.Unregister(client)
		s.keys.remove(userID)
		log.Info("client disconnected", zap.String("user_id", userID))
	}()

	log.Info("client connected",
		zap.String("user_id", userID),
		zap.String("remote", conn.RemoteAddr().String()))
	s.notice(userID, packet.NoticeWelcome, userID)

	for {
		p, err := packet.ReadPacket(conn)
		if err != nil {
			switch {
			case errors.Is(err, packet.ErrProtocol):
				s.metrics.ProtocolErrors.Inc()
				log.Warn("protocol error, closing connection", zap.String("user_id", userID), zap.Error(err))
				s.notice(userID, packet.NoticeError, err.Error())
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			default:
				log.Debug("read failed", zap.String("user_id", userID), zap.Error(err))
			}
			return
		}

		s.handlePacket(ctx, userID, p)
	}
}
