package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"upload-gate/internal/model"
)

// clamdChunkSize is the INSTREAM chunk size; clamd rejects chunks above
// StreamMaxLength anyway, so smaller chunks only cost syscalls.
const clamdChunkSize = 64 * 1024

// Clamd scans content with a ClamAV daemon using the INSTREAM command.
type Clamd struct {
	network string
	address string
	timeout time.Duration
	dialer  net.Dialer
}

// NewClamd parses addr as tcp://host:port, unix:///path or a bare host:port.
func NewClamd(addr string, timeout time.Duration) (*Clamd, error) {
	if addr == "" {
		return nil, errors.New("clamd address required")
	}

	c := &Clamd{network: "tcp", address: addr, timeout: timeout}
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("parse clamd address: %w", err)
		}
		switch u.Scheme {
		case "tcp":
			c.address = u.Host
		case "unix":
			c.network = "unix"
			c.address = u.Path
		default:
			return nil, fmt.Errorf("clamd address scheme must be tcp or unix; got %q", u.Scheme)
		}
	}
	if c.address == "" {
		return nil, fmt.Errorf("clamd address %q has no host or path", addr)
	}
	return c, nil
}

// Scan streams r to clamd and classifies the reply.
func (c *Clamd) Scan(ctx context.Context, r io.Reader) (model.Verdict, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return model.VerdictError, fmt.Errorf("dial clamd: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock pending I/O if the context ends before the deadline does.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.stream(conn, r); err != nil {
		return model.VerdictError, err
	}

	reply, err := bufio.NewReader(conn).ReadBytes(0)
	if err != nil && !(errors.Is(err, io.EOF) && len(reply) > 0) {
		return model.VerdictError, fmt.Errorf("read clamd reply: %w", err)
	}
	return parseClamdReply(string(bytes.TrimRight(reply, "\x00\n")))
}

func (c *Clamd) stream(w io.Writer, r io.Reader) error {
	if _, err := io.WriteString(w, "zINSTREAM\x00"); err != nil {
		return fmt.Errorf("send INSTREAM: %w", err)
	}

	buf := make([]byte, clamdChunkSize)
	var size [4]byte
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			binary.BigEndian.PutUint32(size[:], uint32(n))
			if _, err := w.Write(size[:]); err != nil {
				return fmt.Errorf("send chunk size: %w", err)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("send chunk: %w", err)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read upload: %w", rerr)
		}
	}

	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := w.Write(size[:]); err != nil {
		return fmt.Errorf("send end of stream: %w", err)
	}
	return nil
}

// parseClamdReply classifies replies such as "stream: OK",
// "stream: Eicar-Signature FOUND" and "INSTREAM size limit exceeded. ERROR".
func parseClamdReply(reply string) (model.Verdict, error) {
	switch {
	case strings.HasSuffix(reply, " FOUND"):
		return model.VerdictMalware, nil
	case strings.HasSuffix(reply, ": OK"):
		return model.VerdictSafe, nil
	case strings.HasSuffix(reply, " ERROR"):
		return model.VerdictError, fmt.Errorf("clamd: %s", reply)
	}
	return model.VerdictError, fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
}
