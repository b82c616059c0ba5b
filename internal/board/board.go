// Package board drives the Bluetooth BR/EDR shell of a DUT.
package board

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/brhil/internal/expect"
	"github.com/srg/brhil/internal/shell"
	"github.com/srg/brhil/pkg/config"
)

// ErrNoIdentity is returned when the DUT output carries no parsable identity address.
var ErrNoIdentity = errors.New("no identity address in DUT output")

// Shell responses the helpers wait for.
const (
	RespInitialized  = "Bluetooth initialized"
	RespConnectable  = "connectable done"
	RespDiscoverable = "discoverable done"
	RespConnected    = "Connected"
	RespDisconnected = "Disconnected"
)

const identityExpr = `(([0-9A-Fa-f]{2}:?){6})\s\((\w+)\)`

var (
	identityRe      = regexp.MustCompile(identityExpr)
	identityPattern = expect.MustRegexp(identityExpr)
)

// Identity is the DUT's BR/EDR address with its type (public, random).
type Identity struct {
	Addr ble.Addr
	Type string
}

func (i Identity) String() string {
	if i.Addr == nil {
		return ""
	}
	return fmt.Sprintf("%s (%s)", i.Address(), i.Type)
}

// Address is the address in the upper-case form the shell prints and accepts.
func (i Identity) Address() string {
	if i.Addr == nil {
		return ""
	}
	return strings.ToUpper(i.Addr.String())
}

// ParseIdentity extracts the first identity address from lines.
func ParseIdentity(lines []string) (Identity, error) {
	for _, line := range lines {
		m := identityRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		return Identity{Addr: ble.NewAddr(m[1]), Type: m[3]}, nil
	}
	return Identity{}, ErrNoIdentity
}

// Board is one DUT reachable through its shell.
type Board struct {
	sh       *shell.Shell
	timeouts config.Timeouts
	logger   *logrus.Logger
	identity Identity
}

// New wraps sh. Zero timeouts fall back to the config defaults.
func New(sh *shell.Shell, timeouts config.Timeouts, logger *logrus.Logger) *Board {
	def := config.DefaultTimeouts()
	if timeouts.Init <= 0 {
		timeouts.Init = def.Init
	}
	if timeouts.Command <= 0 {
		timeouts.Command = def.Command
	}
	if timeouts.Connect <= 0 {
		timeouts.Connect = def.Connect
	}
	if logger == nil {
		logger = sh.Engine().Logger()
	}
	return &Board{sh: sh, timeouts: timeouts, logger: logger}
}

func (b *Board) Name() string { return b.sh.Name() }

func (b *Board) Shell() *shell.Shell { return b.sh }

func (b *Board) Timeouts() config.Timeouts { return b.timeouts }

// Identity returns the address learned by Init or Address.
func (b *Board) Identity() Identity { return b.identity }

// Exec forwards to the shell.
func (b *Board) Exec(ctx context.Context, cmd string, opts ...shell.Option) (expect.Transcript, error) {
	return b.sh.Exec(ctx, cmd, opts...)
}

// Init enables the Bluetooth stack and records the identity address it reports.
// When the init output lacks the identity, "bt id-show" is queried.
func (b *Board) Init(ctx context.Context) (Identity, error) {
	lines, err := b.sh.Exec(ctx, "bt init",
		shell.Expect(expect.Literal(RespInitialized)),
		shell.Within(b.timeouts.Init))
	if err != nil {
		return Identity{}, err
	}
	if id, err := ParseIdentity(lines); err == nil {
		b.setIdentity(id)
		return id, nil
	}
	// identity may have arrived in the same batch as the banner
	out, err := b.sh.Wait(ctx, expect.All(identityPattern), shell.Within(0))
	if err != nil {
		return Identity{}, err
	}
	if id, err := ParseIdentity(out.Transcript); err == nil {
		b.setIdentity(id)
		return id, nil
	}
	return b.Address(ctx)
}

// Address asks the DUT for its identity address.
func (b *Board) Address(ctx context.Context) (Identity, error) {
	lines, err := b.sh.Exec(ctx, "bt id-show",
		shell.Expect(identityPattern),
		shell.Within(b.timeouts.Command))
	if err != nil {
		return Identity{}, err
	}
	id, err := ParseIdentity(lines)
	if err != nil {
		return Identity{}, fmt.Errorf("%s: %w", b.Name(), err)
	}
	b.setIdentity(id)
	return id, nil
}

func (b *Board) setIdentity(id Identity) {
	b.identity = id
	b.logger.WithFields(logrus.Fields{
		"board":    b.Name(),
		"identity": id.String(),
	}).Info("DUT identity")
}

// Clear removes all bonds.
func (b *Board) Clear(ctx context.Context) error {
	_, err := b.sh.Exec(ctx, "bt clear all")
	return err
}

// PageScan makes the DUT connectable.
func (b *Board) PageScan(ctx context.Context, on bool) error {
	if !on {
		_, err := b.sh.Exec(ctx, "br pscan off")
		return err
	}
	_, err := b.sh.Exec(ctx, "br pscan on",
		shell.Expect(expect.Literal(RespConnectable)),
		shell.Within(b.timeouts.Command))
	return err
}

// InquiryScan makes the DUT discoverable, optionally in limited mode.
func (b *Board) InquiryScan(ctx context.Context, on, limited bool) error {
	if !on {
		_, err := b.sh.Exec(ctx, "br iscan off")
		return err
	}
	cmd := "br iscan on"
	if limited {
		cmd += " limited"
	}
	_, err := b.sh.Exec(ctx, cmd,
		shell.Expect(expect.Literal(RespDiscoverable)),
		shell.Within(b.timeouts.Command))
	return err
}

// RegisterL2CAP registers an L2CAP server on psm in the given channel mode (base, ret, fc, eret, stream).
func (b *Board) RegisterL2CAP(ctx context.Context, psm uint16, mode string) error {
	cmd := fmt.Sprintf("l2cap_br register %x", psm)
	if mode != "" {
		cmd += " " + mode
	}
	_, err := b.sh.Exec(ctx, cmd,
		shell.Expect(expect.Literal(fmt.Sprintf("L2CAP psm %d registered", psm))),
		shell.Within(b.timeouts.Command))
	return err
}

// ConnectL2CAP opens an L2CAP channel to psm over the current ACL link.
// sec > 0 requests that security level.
func (b *Board) ConnectL2CAP(ctx context.Context, psm uint16, mode string, sec int, chanID int) error {
	cmd := fmt.Sprintf("l2cap_br connect %x", psm)
	if mode != "" {
		cmd += " " + mode
	}
	if sec > 0 {
		cmd += fmt.Sprintf(" sec %d", sec)
	}
	_, err := b.sh.Exec(ctx, cmd,
		shell.Expect(expect.Literal(fmt.Sprintf("Channel %d connected", chanID))),
		shell.Within(b.timeouts.Connect))
	return err
}

// DisconnectL2CAP closes channel chanID.
func (b *Board) DisconnectL2CAP(ctx context.Context, chanID int) error {
	_, err := b.sh.Exec(ctx, fmt.Sprintf("l2cap_br disconnect %d", chanID),
		shell.Expect(expect.Literal(fmt.Sprintf("Channel %d disconnected", chanID))),
		shell.Within(b.timeouts.Command))
	return err
}

// Connect opens an ACL link to addr.
func (b *Board) Connect(ctx context.Context, addr ble.Addr) error {
	_, err := b.sh.Exec(ctx, "br connect "+strings.ToUpper(addr.String()),
		shell.Expect(expect.Literal(RespConnected)),
		shell.Within(b.timeouts.Connect))
	return err
}

// Disconnect tears down the current ACL link.
func (b *Board) Disconnect(ctx context.Context) error {
	_, err := b.sh.Exec(ctx, "bt disconnect",
		shell.Expect(expect.Literal(RespDisconnected)),
		shell.Within(b.timeouts.Connect))
	return err
}
