// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package monitor speaks QEMU's textual human monitor protocol (HMP) over
// a unix domain socket, as opposed to the JSON QMP protocol. The fuzzing
// executor only needs two monitor commands, savevm and loadvm, both of
// which exist solely in HMP form.
package monitor

import (
	"fmt"
	"net"
	"strings"

	"github.com/sandia-minimega/kfuzz/pkg/minilog"
)

// prompt is what QEMU writes at the end of every monitor response.
const prompt = "(qemu) "

const readChunk = 512

// Conn is a connection to a running QEMU instance's HMP monitor socket.
type Conn struct {
	socket string
	conn   net.Conn
}

// Dial connects to the monitor socket at addr and consumes the initial
// banner QEMU prints on connect, leaving the conn positioned to receive the
// first command's response.
func Dial(addr string) (*Conn, error) {
	c := &Conn{socket: addr}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) connect() error {
	conn, err := net.Dial("unix", c.socket)
	if err != nil {
		return fmt.Errorf("monitor: dial %s: %w", c.socket, err)
	}
	c.conn = conn

	if _, err := c.read(); err != nil {
		c.conn.Close()
		return fmt.Errorf("monitor: reading banner: %w", err)
	}

	return nil
}

// read consumes bytes off the socket until the accumulated response ends
// with the "(qemu) " prompt, then returns everything read (prompt
// included). It blocks indefinitely; callers that need a bound should wrap
// the underlying conn's deadline themselves before calling in.
func (c *Conn) read() (string, error) {
	var response []byte
	buf := make([]byte, readChunk)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			response = append(response, buf[:n]...)
			if strings.HasSuffix(string(response), prompt) {
				break
			}
		}
		if err != nil {
			return "", err
		}
	}

	return string(response), nil
}

// command writes cmd followed by a newline, the way a human typing into
// the monitor console would, then waits for the next prompt.
func (c *Conn) command(cmd string) (string, error) {
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("monitor: write %q: %w", cmd, err)
	}
	resp, err := c.read()
	if err != nil {
		return "", fmt.Errorf("monitor: reading response to %q: %w", cmd, err)
	}
	return resp, nil
}

// Command issues an arbitrary HMP command and returns QEMU's response, for
// callers (such as an interactive monitor shell) that need commands besides
// savevm/loadvm.
func (c *Conn) Command(cmd string) (string, error) {
	return c.command(cmd)
}

// Savevm issues "savevm <tag>", overwriting any snapshot already stored
// under that tag.
func (c *Conn) Savevm(tag string) error {
	resp, err := c.command("savevm " + tag)
	if err != nil {
		return err
	}
	minilog.Debug("monitor: savevm %s -> %q", tag, resp)
	return nil
}

// Loadvm issues "loadvm <tag>", restoring VM state to the named snapshot.
// The executor's invariant is that Loadvm is called after every iteration
// regardless of outcome, so this must be safe to call even immediately
// after a guest crash or hang.
func (c *Conn) Loadvm(tag string) error {
	resp, err := c.command("loadvm " + tag)
	if err != nil {
		return err
	}
	minilog.Debug("monitor: loadvm %s -> %q", tag, resp)
	return nil
}

// Reconnect drops and re-establishes the underlying connection, for
// recovering a monitor socket the process on the other end has reset.
func (c *Conn) Reconnect() error {
	if c.conn != nil {
		c.conn.Close()
	}
	return c.connect()
}

// Close closes the underlying connection without sending any command.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
