package channel

import (
	"context"
	"fmt"
	"net"
)

// DialTCP opens count parallel TCP connections to addr and returns them as
// channels. Multiple connections let the multiplexer stripe chunk streams
// across physical paths.
func DialTCP(ctx context.Context, addr string, count int) ([]Channel, error) {
	if count < 1 {
		count = 1
	}
	var dialer net.Dialer
	chans := make([]Channel, 0, count)
	for i := 0; i < count; i++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			for _, c := range chans {
				c.Close()
			}
			return nil, fmt.Errorf("dial %s (connection %d of %d): %w", addr, i+1, count, err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		chans = append(chans, conn)
	}
	return chans, nil
}

// AcceptTCP accepts count connections from the listener.
func AcceptTCP(ctx context.Context, ln net.Listener, count int) ([]Channel, error) {
	if count < 1 {
		count = 1
	}
	type result struct {
		conn net.Conn
		err  error
	}
	results := make(chan result, count)
	go func() {
		for i := 0; i < count; i++ {
			conn, err := ln.Accept()
			results <- result{conn, err}
			if err != nil {
				return
			}
		}
	}()

	chans := make([]Channel, 0, count)
	for i := 0; i < count; i++ {
		select {
		case res := <-results:
			if res.err != nil {
				for _, c := range chans {
					c.Close()
				}
				return nil, fmt.Errorf("accept connection %d of %d: %w", i+1, count, res.err)
			}
			chans = append(chans, res.conn)
		case <-ctx.Done():
			for _, c := range chans {
				c.Close()
			}
			return nil, ctx.Err()
		}
	}
	return chans, nil
}
