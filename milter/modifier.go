package milter

import (
	"bytes"
	"fmt"

	"github.com/nsmail/milteragent/internal/wire"
	"github.com/nsmail/milteragent/milter/milterutil"
)

// validName checks if the provided name is a valid header name.
func validName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range []byte(name) {
		if r <= ' ' || r >= '\x7F' || r == ':' {
			return false
		}
	}
	return true
}

var ErrModificationNotAllowed = fmt.Errorf("milter: modification not allowed via milter protocol negotiation")

// Modifier gives an EndOfMessage callback access to the macros of the
// current session and lets it attach a header to the message when the
// verdict is a warning rather than a hard accept or reject.
type Modifier interface {
	Macros

	// Version returns the negotiated milter protocol version.
	Version() uint32
	// Protocol returns the negotiated milter protocol flags.
	Protocol() OptProtocol
	// Actions returns the negotiated milter actions flags.
	Actions() OptAction
	// MaxDataSize returns the maximum data size that the MTA will accept.
	MaxDataSize() DataSize
	// MilterId returns an identifier of this Milter instance, unique within one Server.
	MilterId() uint64

	// AddHeader appends a new email message header to the message.
	//
	// The header name must be valid: printable ASCII without SP and colon.
	// value can include newlines; they are canonicalized to LF.
	AddHeader(name, value string) error

	// WriteReplyCode sends a REPLYCODE frame carrying a custom SMTP code and
	// reason directly, without ending the transaction. A caller that wants
	// the MTA to see an informational code ahead of its real verdict (e.g.
	// a rejection reason sent just before the terminal REJECT response)
	// calls this before returning the terminal [*Response] from
	// EndOfMessage.
	WriteReplyCode(smtpCode uint16, reason string) error
}

type modifierState int

const (
	modifierStateReadOnly modifierState = iota
	modifierStateReadWrite
)

type modifier struct {
	macros      Macros
	state       modifierState
	writePacket func(*wire.Message) error
	version     uint32
	protocol    OptProtocol
	actions     OptAction
	maxDataSize DataSize
	milterId    uint64
}

func (m *modifier) Get(name MacroName) string {
	return m.macros.Get(name)
}

func (m *modifier) GetEx(name MacroName) (string, bool) {
	return m.macros.GetEx(name)
}

func (m *modifier) AddHeader(name, value string) error {
	if m.actions&OptAddHeader == 0 {
		return ErrModificationNotAllowed
	}
	if !validName(name) {
		return fmt.Errorf("milter: invalid header name: %q", name)
	}
	var buffer bytes.Buffer
	buffer.WriteString(name)
	buffer.WriteByte(0)
	buffer.WriteString(milterutil.CrLfToLf(value))
	buffer.WriteByte(0)
	return m.write(modifierStateReadWrite, newResponse(wire.Code(wire.ActAddHeader), buffer.Bytes()))
}

func (m *modifier) WriteReplyCode(smtpCode uint16, reason string) error {
	resp, err := RejectWithCodeAndReason(smtpCode, reason)
	if err != nil {
		return err
	}
	return m.write(modifierStateReadWrite, resp)
}

func (m *modifier) Version() uint32 {
	return m.version
}

func (m *modifier) Protocol() OptProtocol {
	return m.protocol
}

func (m *modifier) Actions() OptAction {
	return m.actions
}

func (m *modifier) MaxDataSize() DataSize {
	return m.maxDataSize
}

func (m *modifier) MilterId() uint64 {
	return m.milterId
}

func (m *modifier) write(requiredState modifierState, resp *Response) error {
	if m.state < requiredState {
		return fmt.Errorf("milter: tried to send action %q in state %d", resp, m.state)
	}
	msg := resp.Response()
	if len(msg.Data) > int(DataSize64K) {
		return fmt.Errorf("milter: invalid data length: %d > %d", len(msg.Data), DataSize64K)
	}
	return m.writePacket(resp.Response())
}

// withState returns a shallow copy of m with its state replaced by state.
// HandleMilterCommands uses this to hand each backend callback a [Modifier]
// restricted to what that phase of the protocol allows.
func (m *modifier) withState(state modifierState) *modifier {
	cp := *m
	cp.state = state
	return &cp
}

// hasAngle reports whether addr is wrapped in <...>.
func hasAngle(addr string) bool {
	return len(addr) >= 2 && addr[0] == '<' && addr[len(addr)-1] == '>'
}

// RemoveAngle strips a surrounding pair of angle brackets from an envelope
// address, as sent by the MTA for MAIL FROM/RCPT TO commands.
func RemoveAngle(addr string) string {
	if hasAngle(addr) {
		return addr[1 : len(addr)-1]
	}
	return addr
}

var _ Modifier = (*modifier)(nil)

// newModifier creates a new [Modifier] instance from s.
func newModifier(s *serverSession, state modifierState) *modifier {
	return &modifier{
		macros:      &macroReader{macrosStages: s.macros},
		state:       state,
		writePacket: s.writePacket,
		version:     s.version,
		protocol:    s.protocol,
		actions:     s.actions,
		maxDataSize: s.maxDataSize,
		milterId:    s.backendId,
	}
}
