// Package logging sets up the daemon's slog handler and mirrors records
// to a remote syslog collector.
package logging

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Syslog severities (RFC 3164).
const (
	SeverityError   = 3
	SeverityWarning = 4
	SeverityInfo    = 6
	SeverityDebug   = 7
)

// facilityDaemon is the syslog "daemon" facility.
const facilityDaemon = 3

// SyslogClient sends RFC 3164 messages over UDP.
type SyslogClient struct {
	conn     net.Conn
	hostname string
	tag      string
	// now is replaced in tests.
	now func() time.Time
}

// DialSyslog connects to addr ("host:port", port 514 when omitted).
func DialSyslog(addr, tag string) (*SyslogClient, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), "514")
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("logging: dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	return &SyslogClient{conn: conn, hostname: hostname, tag: tag, now: time.Now}, nil
}

// Send writes one message.
func (c *SyslogClient) Send(severity int, msg string) error {
	_, err := c.conn.Write([]byte(c.format(severity, msg)))
	return err
}

func (c *SyslogClient) format(severity int, msg string) string {
	return fmt.Sprintf("<%d>%s %s %s: %s", facilityDaemon*8+severity,
		c.now().Format(time.Stamp), c.hostname, c.tag, msg)
}

// Addr returns the collector address.
func (c *SyslogClient) Addr() string { return c.conn.RemoteAddr().String() }

// Close closes the connection.
func (c *SyslogClient) Close() error { return c.conn.Close() }
