package bolt

import "fmt"

// Protocol message tags. Tags below 0x70 are client to server; the rest
// are server to client.
const (
	msgHello    byte = 0x01
	msgGoodbye  byte = 0x02
	msgReset    byte = 0x0F
	msgRun      byte = 0x10
	msgBegin    byte = 0x11
	msgCommit   byte = 0x12
	msgRollback byte = 0x13
	msgDiscard  byte = 0x2F
	msgPull     byte = 0x3F

	msgSuccess byte = 0x70
	msgRecord  byte = 0x71
	msgIgnored byte = 0x7E
	msgFailure byte = 0x7F
)

// Version identifies a protocol version as proposed and negotiated during
// the handshake.
type Version struct {
	Major, Minor uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// bytes returns the 4-byte big-endian handshake encoding of the version.
func (v Version) bytes() [4]byte {
	return [4]byte{0x00, 0x00, v.Minor, v.Major}
}

func versionFromBytes(b [4]byte) Version {
	return Version{Major: b[3], Minor: b[2]}
}

// protocol covers the parts of message emission that differ between
// supported protocol versions. Everything else is version-independent and
// lives on Conn.
type protocol interface {
	// writePull requests the records of the last run.
	writePull(c *Conn) (*response, error)

	// writeDiscard discards the records of the last run.
	writeDiscard(c *Conn) (*response, error)
}

// protocolHandlers maps each supported version to its handler. The
// handshake offers these versions and the agreed version selects the
// handler for the connection's lifetime.
var protocolHandlers = map[Version]protocol{
	{Major: 3, Minor: 0}: protocolV3{},
	{Major: 4, Minor: 0}: protocolV4{},
}

// supportedVersions returns the versions offered by default during the
// handshake, highest first.
func supportedVersions() []Version {
	return []Version{{Major: 4, Minor: 0}, {Major: 3, Minor: 0}}
}

// protocolV3 streams results with bare PULL_ALL and DISCARD_ALL messages.
type protocolV3 struct{}

func (protocolV3) writePull(c *Conn) (*response, error) {
	return c.writeMessage(msgPull)
}

func (protocolV3) writeDiscard(c *Conn) (*response, error) {
	return c.writeMessage(msgDiscard)
}

// protocolV4 attaches an extras map to streaming requests; n of -1
// requests the complete result stream.
type protocolV4 struct{}

func (protocolV4) writePull(c *Conn) (*response, error) {
	return c.writeMessage(msgPull, map[string]any{"n": int64(-1)})
}

func (protocolV4) writeDiscard(c *Conn) (*response, error) {
	return c.writeMessage(msgDiscard, map[string]any{"n": int64(-1)})
}
