package lan

import (
	"fmt"
	"net"
	"sync"
	"time"

	"helphub/crypto"
)

type linkState int

const (
	linkHandshake linkState = iota
	linkNegotiating
	linkConnected
	linkClosed
)

func (s linkState) String() string {
	switch s {
	case linkHandshake:
		return "handshake"
	case linkNegotiating:
		return "negotiating"
	case linkConnected:
		return "connected"
	default:
		return "closed"
	}
}

// link is one TCP connection to a peer. Everything except conn writes is
// guarded by the owning Provider's mutex.
type link struct {
	endpointID   string
	endpointName string
	incoming     bool

	conn    net.Conn
	writeMu sync.Mutex

	key   []byte
	token string

	state          linkState
	localAccepted  bool
	remoteAccepted bool
	timer          *time.Timer

	closeOnce sync.Once
}

func (l *link) send(codec *frameCodec, timeout time.Duration, f frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.conn == nil {
		return fmt.Errorf("send %s frame: %w", f.Type, ErrNotConnected)
	}
	if timeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		defer func() {
			_ = l.conn.SetWriteDeadline(time.Time{})
		}()
	}
	return codec.write(l.conn, f)
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		if l.conn != nil {
			_ = l.conn.Close()
		}
	})
}

// secrets derives the displayed token and the sealing key from the local
// ephemeral pair and the peer's public key.
func secrets(keys crypto.KeyPair, peerKey []byte, selfID, peerID string) (token string, key []byte, err error) {
	shared, err := keys.SharedSecret(peerKey)
	if err != nil {
		return "", nil, err
	}
	token, err = crypto.AuthenticationToken(shared, selfID, peerID)
	if err != nil {
		return "", nil, err
	}
	key, err = crypto.LinkKey(shared, selfID, peerID)
	if err != nil {
		return "", nil, err
	}
	return token, key, nil
}
