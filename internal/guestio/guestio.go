// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package guestio implements the length-prefixed framing used to exchange
// fuzz inputs and completion signals with the guest harness over the
// virtio-serial control channel.
//
// Wire format: a little-endian uint32 length L followed by exactly L bytes
// of payload. There is no trailer and no alignment padding.
package guestio

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

const lenBytes = 4

// ErrNoData is returned by RecvDeadline when the deadline elapses before a
// complete frame arrives.
var ErrNoData = fmt.Errorf("guestio: no data before deadline")

// Send writes one frame: the four-byte little-endian length of msg followed
// by msg itself. Short writes are retried until the whole frame is on the
// wire.
func Send(w io.Writer, msg []byte) error {
	var hdr [lenBytes]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(msg)))

	if err := writeFull(w, hdr[:]); err != nil {
		return err
	}
	if err := writeFull(w, msg); err != nil {
		return err
	}

	return nil
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Recv reads one complete frame and returns its payload. It is an error for
// the stream to end before the length word, or before the payload is
// complete.
func Recv(r io.Reader) ([]byte, error) {
	var hdr [lenBytes]byte
	if err := readFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.LittleEndian.Uint32(hdr[:])
	payload := make([]byte, n)
	if n == 0 {
		return payload, nil
	}

	if err := readFull(r, payload); err != nil {
		return nil, err
	}

	return payload, nil
}

func readFull(r io.Reader, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if n == 0 && err == nil {
			return io.ErrNoProgress
		}
		if err != nil {
			if err == io.EOF && read == 0 {
				return io.EOF
			}
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

// deadliner is the subset of net.Conn that RecvDeadline needs. Unix-domain
// sockets and TCP connections both satisfy it.
type deadliner interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// RecvDeadline behaves like Recv but returns ErrNoData instead of blocking
// past d. The connection's read deadline is always cleared (reset to no
// deadline) before RecvDeadline returns, whether it succeeded, timed out, or
// failed for any other reason; a read deadline set on conn before the call
// is not put back.
func RecvDeadline(conn deadliner, d time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	payload, err := Recv(conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrNoData
		}
		return nil, err
	}

	return payload, nil
}
