package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/quic-go/quic-go"
)

// alpnProtocol identifies the engine protocol during the QUIC handshake.
const alpnProtocol = "massmove/1"

// quicStream adapts a bidirectional QUIC stream to Channel. A single QUIC
// connection carries several streams, so one UDP path still gives the
// multiplexer multi-channel parallelism without extra handshakes.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s *quicStream) Close() error {
	s.CancelRead(0)
	return s.Stream.Close()
}

// DialQUIC connects to addr and opens count bidirectional streams, each
// returned as an independent Channel. tlsConf must carry the caller's
// authentication material; the engine adds only the ALPN protocol.
func DialQUIC(ctx context.Context, addr string, count int, tlsConf *tls.Config, logger *slog.Logger) ([]Channel, error) {
	if count < 1 {
		count = 1
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = append([]string{alpnProtocol}, tlsConf.NextProtos...)

	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{EnableDatagrams: false})
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", addr, err)
	}
	logger.Info("quic connection established", "remote_addr", conn.RemoteAddr())

	chans := make([]Channel, 0, count)
	for i := 0; i < count; i++ {
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "stream open failed")
			return nil, fmt.Errorf("open quic stream %d of %d: %w", i+1, count, err)
		}
		chans = append(chans, &quicStream{Stream: stream, conn: conn})
	}
	return chans, nil
}

// AcceptQUIC accepts one QUIC connection from the listener and count
// streams on it.
func AcceptQUIC(ctx context.Context, ln *quic.Listener, count int, logger *slog.Logger) ([]Channel, error) {
	if count < 1 {
		count = 1
	}
	conn, err := ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept quic connection: %w", err)
	}
	logger.Info("quic connection accepted", "remote_addr", conn.RemoteAddr())

	chans := make([]Channel, 0, count)
	for i := 0; i < count; i++ {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "stream accept failed")
			return nil, fmt.Errorf("accept quic stream %d of %d: %w", i+1, count, err)
		}
		chans = append(chans, &quicStream{Stream: stream, conn: conn})
	}
	return chans, nil
}
