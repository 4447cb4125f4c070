package redisconn

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/mzimbres/occase-gateway/internal/resp"
)

// sentinelDialer resolves an address either directly (Addr) or via a
// rotating list of Redis Sentinels, per spec.md §4.2. On a successful
// SENTINEL get-master-addr-by-name, the answering sentinel is moved to
// the head of the list so the next reconnect tries it first.
type sentinelDialer struct {
	addr       string
	sentinels  []string
	masterName string
}

const dialTimeout = 5 * time.Second

func (d *sentinelDialer) dial() (net.Conn, error) {
	if len(d.sentinels) == 0 {
		return net.DialTimeout("tcp", d.addr, dialTimeout)
	}
	var lastErr error
	for i, addr := range d.sentinels {
		master, err := askSentinel(addr, d.masterName)
		if err != nil {
			lastErr = err
			continue
		}
		conn, err := net.DialTimeout("tcp", master, dialTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		d.promote(i)
		return conn, nil
	}
	return nil, fmt.Errorf("redisconn: no sentinel answered for %q: %w", d.masterName, lastErr)
}

func (d *sentinelDialer) promote(i int) {
	if i == 0 {
		return
	}
	addr := d.sentinels[i]
	copy(d.sentinels[1:i+1], d.sentinels[0:i])
	d.sentinels[0] = addr
}

func askSentinel(addr, masterName string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(dialTimeout))
	if _, err := conn.Write(resp.SentinelGetMasterAddrByName(masterName)); err != nil {
		return "", err
	}

	dec := resp.NewDecoder(bufio.NewReader(conn))
	rep, err := dec.ReadReply()
	if err != nil {
		return "", err
	}
	if rep.IsError {
		return "", fmt.Errorf("sentinel error: %s", rep.Tokens[0])
	}
	if len(rep.Tokens) < 2 {
		return "", fmt.Errorf("sentinel: unexpected reply shape %v", rep.Tokens)
	}
	return net.JoinHostPort(rep.Tokens[0], rep.Tokens[1]), nil
}
