package avalon

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
)

// replies above this size are truncated; estats on a 3-board unit is ~8KB.
const maxReplySize = 32 << 10

// cgminerClient speaks the plain-text cgminer API: one command per
// connection, the device closes the socket after replying.
type cgminerClient struct {
	port    int
	timeout time.Duration
	dialer  net.Dialer
}

func (c *cgminerClient) command(ctx context.Context, addr, cmd string) (string, error) {
	return c.exchange(ctx, addr, cmd, true)
}

// send writes cmd without waiting for a reply.
func (c *cgminerClient) send(ctx context.Context, addr, cmd string) error {
	_, err := c.exchange(ctx, addr, cmd, false)
	return err
}

func (c *cgminerClient) exchange(ctx context.Context, addr, cmd string, wait bool) (string, error) {
	op := commandName(cmd)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", miner.JoinHostPort(addr, c.port))
	if err != nil {
		return "", miner.Unreachable(op, addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, cmd); err != nil {
		return "", miner.Unreachable(op, addr, err)
	}
	if !wait {
		return "", nil
	}

	var buf bytes.Buffer
	_, err = io.Copy(&buf, io.LimitReader(conn, maxReplySize))
	if err != nil && buf.Len() == 0 {
		return "", miner.NetworkError(op, addr, err)
	}
	reply := strings.TrimRight(buf.String(), "\x00\r\n ")
	if reply == "" {
		return "", miner.Protocolf(op, addr, "empty reply")
	}
	if strings.HasPrefix(reply, "STATUS=E") {
		return "", miner.Protocolf(op, addr, "device rejected command: %s", firstSection(reply))
	}
	return reply, nil
}

func commandName(cmd string) string {
	if idx := strings.IndexAny(cmd, "|,"); idx > 0 {
		rest := cmd[idx+1:]
		parts := strings.Split(rest, ",")
		if len(parts) > 1 {
			return cmd[:idx] + ":" + parts[1]
		}
		return cmd[:idx]
	}
	return cmd
}

func firstSection(reply string) string {
	if idx := strings.Index(reply, "|"); idx >= 0 {
		return reply[:idx]
	}
	return reply
}
