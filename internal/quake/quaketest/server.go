// Package quaketest provides an in-process UDP server for exercising Quake III clients.
package quaketest

import (
	"net"
	"sync/atomic"
	"testing"
)

// Handler returns the datagram to send back for a request, or nil to stay silent.
type Handler func(request []byte) []byte

// Server is a loopback UDP server answering with a Handler.
type Server struct {
	Host string
	Port int

	conn     net.PacketConn
	requests atomic.Int64
}

// NewServer starts a server on 127.0.0.1 and closes it when the test ends.
func NewServer(t testing.TB, handler Handler) *Server {
	t.Helper()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("quaketest: listen: %v", err)
	}

	addr := conn.LocalAddr().(*net.UDPAddr)
	s := &Server{Host: "127.0.0.1", Port: addr.Port, conn: conn}

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			s.requests.Add(1)
			request := append([]byte(nil), buf[:n]...)
			if resp := handler(request); resp != nil {
				conn.WriteTo(resp, from)
			}
		}
	}()

	t.Cleanup(func() { conn.Close() })
	return s
}

// Requests reports how many datagrams the server has received.
func (s *Server) Requests() int {
	return int(s.requests.Load())
}

// StatusReply builds a getstatus reply with the given info string and player lines.
func StatusReply(info string, players ...string) []byte {
	body := "\xff\xff\xff\xffstatusResponse\n" + info + "\n"
	for _, p := range players {
		body += p + "\n"
	}
	return []byte(body)
}
