package mqtt

import (
	"bytes"
	"net"
	"net/url"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// connackLen is the size of an MQTT 3.1.1 CONNACK: header, length, flags, code.
const connackLen = 4

// connackConn records the first bytes the broker sends so the CONNACK return
// code can be read as sent. paho drops codes it has no error for.
type connackConn struct {
	net.Conn

	mu   sync.Mutex
	head []byte
}

func (c *connackConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		if missing := connackLen - len(c.head); missing > 0 {
			c.head = append(c.head, p[:min(n, missing)]...)
		}
		c.mu.Unlock()
	}
	return n, err
}

// returnCode decodes the recorded CONNACK. ok is false when none arrived.
func (c *connackConn) returnCode() (code byte, ok bool) {
	c.mu.Lock()
	head := bytes.Clone(c.head)
	c.mu.Unlock()

	if len(head) < connackLen {
		return 0, false
	}
	pkt, err := packets.ReadPacket(bytes.NewReader(head))
	if err != nil {
		return 0, false
	}
	ack, isAck := pkt.(*packets.ConnackPacket)
	if !isAck {
		return 0, false
	}
	return ack.ReturnCode, true
}

// dialTCP opens plain TCP connections for paho and hands each one to track.
func dialTCP(track func(*connackConn)) pahomqtt.OpenConnectionFunc {
	return func(uri *url.URL, options pahomqtt.ClientOptions) (net.Conn, error) {
		d := net.Dialer{Timeout: options.ConnectTimeout}
		conn, err := d.Dial("tcp", uri.Host)
		if err != nil {
			return nil, err
		}
		cc := &connackConn{Conn: conn}
		track(cc)
		return cc, nil
	}
}
