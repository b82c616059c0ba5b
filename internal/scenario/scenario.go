// Package scenario loads YAML test scenarios and runs them against a bench.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"

	"github.com/srg/brhil/internal/expect"
)

var ErrInvalidScenario = errors.New("invalid scenario")

// Board actions a step can request.
const (
	ActionInit       = "init"
	ActionAddress    = "address"
	ActionClear      = "clear"
	ActionPageScan   = "pscan"
	ActionInquiry    = "iscan"
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"

	ActionL2CAPRegister   = "l2cap_register"
	ActionL2CAPConnect    = "l2cap_connect"
	ActionL2CAPDisconnect = "l2cap_disconnect"
)

// Peer operations a step can request.
const (
	PeerConnect      = "connect"
	PeerAuthenticate = "authenticate"
	PeerEncrypt      = "encrypt"
	PeerChannel      = "channel"
	PeerDisconnect   = "disconnect"
)

// Scenario is one YAML test file.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Skip, when set, is the reason the scenario is not run.
	Skip   string                                  `yaml:"skip"`
	Boards []string                                `yaml:"boards"`
	Vars   *orderedmap.OrderedMap[string, string] `yaml:"vars"`
	Steps  []Step                                  `yaml:"steps"`

	Path string `yaml:"-"`
}

// Step is one action and/or check. Strings may reference ${var}, ${board.addr} and ${peer.addr}.
// Patterns prefixed with "re:" are regular expressions, anything else is a literal substring.
type Step struct {
	Name  string `yaml:"name"`
	Board string `yaml:"board"`

	Send   string `yaml:"send"`
	Action string `yaml:"action"`
	// Arg is the action argument: the address for connect, "limited" for iscan, "off" for scans,
	// "<psm> [mode]" for l2cap_register, "<psm> [mode] [sec N] [chan N]" for l2cap_connect
	// and "[chan]" for l2cap_disconnect. PSMs are hex, as the shell takes them.
	Arg string `yaml:"arg"`

	Peer      string `yaml:"peer"`
	PSM       uint16 `yaml:"psm"`
	PeerWrite string `yaml:"peer_write"`

	Expect       string   `yaml:"expect"`
	ExpectAll    []string `yaml:"expect_all"`
	ExpectAny    []string `yaml:"expect_any"`
	ExpectAbsent string   `yaml:"expect_absent"`
	// WithPeer merges the peer's event log into the wait.
	WithPeer bool          `yaml:"with_peer"`
	NoWait   bool          `yaml:"no_wait"`
	Timeout  time.Duration `yaml:"timeout"`
	Sleep    time.Duration `yaml:"sleep"`

	Count *Count `yaml:"count"`
	Lua   string `yaml:"lua"`
}

// Count checks how many history lines of a board match Pattern.
type Count struct {
	Pattern string `yaml:"pattern"`
	Min     *int   `yaml:"min"`
	Max     *int   `yaml:"max"`
}

// Label returns the step name or a description derived from its content.
func (s Step) Label() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Send != "":
		return s.Send
	case s.Action != "":
		return "action " + s.Action
	case s.Peer != "":
		return "peer " + s.Peer
	case s.Lua != "":
		return "lua"
	case s.Count != nil:
		return "count " + s.Count.Pattern
	case s.hasExpectation():
		return "wait"
	case s.Sleep > 0:
		return "sleep " + s.Sleep.String()
	}
	return "step"
}

func (s Step) hasExpectation() bool {
	return s.Expect != "" || len(s.ExpectAll) > 0 || len(s.ExpectAny) > 0 || s.ExpectAbsent != ""
}

// expectation builds the step's set from already expanded pattern strings. It returns nil when the step has none.
func (s Step) expectation() (*expect.Set, error) {
	var (
		set   *expect.Set
		count int
	)
	if s.Expect != "" {
		count++
		p, err := expect.Parse(s.Expect)
		if err != nil {
			return nil, err
		}
		set = expect.All(p)
	}
	if len(s.ExpectAll) > 0 {
		count++
		ps, err := expect.ParseAll(s.ExpectAll...)
		if err != nil {
			return nil, err
		}
		set = expect.All(ps...)
	}
	if len(s.ExpectAny) > 0 {
		count++
		ps, err := expect.ParseAll(s.ExpectAny...)
		if err != nil {
			return nil, err
		}
		set = expect.Any(ps...)
	}
	if s.ExpectAbsent != "" {
		count++
		p, err := expect.Parse(s.ExpectAbsent)
		if err != nil {
			return nil, err
		}
		set = expect.Not(p)
	}
	if count > 1 {
		return nil, fmt.Errorf("%w: expect, expect_all, expect_any and expect_absent are mutually exclusive", ErrInvalidScenario)
	}
	if set == nil {
		return nil, nil
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sc.Path = path
	return sc, nil
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks the structure of every step. Patterns without variables are
// compiled here so a malformed expression fails before anything is sent.
func (sc *Scenario) Validate() error {
	if sc.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScenario)
	}
	if len(sc.Steps) == 0 && sc.Skip == "" {
		return fmt.Errorf("%w: %s: no steps", ErrInvalidScenario, sc.Name)
	}
	for i, st := range sc.Steps {
		if err := st.validate(); err != nil {
			return fmt.Errorf("%w: %s: step %d (%s): %w", ErrInvalidScenario, sc.Name, i+1, st.Label(), err)
		}
	}
	return nil
}

func (s Step) validate() error {
	exclusive := 0
	for _, set := range []bool{s.Send != "", s.Action != "", s.Peer != "", s.Lua != ""} {
		if set {
			exclusive++
		}
	}
	if exclusive > 1 {
		return errors.New("send, action, peer and lua are mutually exclusive")
	}
	if exclusive == 0 && !s.hasExpectation() && s.Count == nil && s.Sleep <= 0 && s.PeerWrite == "" {
		return errors.New("step does nothing")
	}
	if s.Timeout < 0 || s.Sleep < 0 {
		return errors.New("timeout and sleep must not be negative")
	}
	if s.NoWait && s.Send == "" {
		return errors.New("no_wait requires send")
	}

	switch s.Action {
	case "", ActionInit, ActionAddress, ActionClear, ActionPageScan, ActionInquiry, ActionDisconnect:
	case ActionConnect:
		if s.Arg == "" {
			return errors.New("connect requires arg")
		}
	case ActionL2CAPRegister, ActionL2CAPConnect, ActionL2CAPDisconnect:
		if !strings.Contains(s.Arg, "${") {
			if _, err := parseL2CAPArg(s.Action, s.Arg); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}

	switch s.Peer {
	case "", PeerAuthenticate, PeerEncrypt, PeerDisconnect:
	case PeerConnect:
		if s.Arg == "" {
			return errors.New("peer connect requires arg")
		}
	case PeerChannel:
		if s.PSM == 0 {
			return errors.New("peer channel requires psm")
		}
	default:
		return fmt.Errorf("unknown peer operation %q", s.Peer)
	}

	if s.Count != nil {
		if s.Count.Pattern == "" {
			return errors.New("count requires pattern")
		}
		if s.Count.Min == nil && s.Count.Max == nil {
			return errors.New("count requires min or max")
		}
	}

	if !s.hasVariables() {
		if _, err := s.expectation(); err != nil {
			return err
		}
		if s.Count != nil {
			if _, err := expect.Parse(s.Count.Pattern); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s Step) hasVariables() bool {
	all := append([]string{s.Expect, s.ExpectAbsent}, s.ExpectAll...)
	all = append(all, s.ExpectAny...)
	if s.Count != nil {
		all = append(all, s.Count.Pattern)
	}
	for _, v := range all {
		if strings.Contains(v, "${") {
			return true
		}
	}
	return false
}

// l2capArg is the parsed arg of an l2cap_* action.
type l2capArg struct {
	PSM    uint16
	Mode   string
	Sec    int
	ChanID int
}

func parseL2CAPArg(action, arg string) (l2capArg, error) {
	var out l2capArg
	fields := strings.Fields(arg)

	if action == ActionL2CAPDisconnect {
		switch len(fields) {
		case 0:
		case 1:
			id, err := strconv.Atoi(fields[0])
			if err != nil || id < 0 {
				return out, fmt.Errorf("%s: invalid channel %q", action, fields[0])
			}
			out.ChanID = id
		default:
			return out, fmt.Errorf("%s: arg is \"[chan]\"", action)
		}
		return out, nil
	}

	if len(fields) == 0 {
		return out, fmt.Errorf("%s requires a psm", action)
	}
	psm, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(fields[0]), "0x"), 16, 16)
	if err != nil || psm == 0 {
		return out, fmt.Errorf("%s: invalid psm %q", action, fields[0])
	}
	out.PSM = uint16(psm)
	rest := fields[1:]
	if len(rest) > 0 && rest[0] != "sec" && rest[0] != "chan" {
		out.Mode = rest[0]
		rest = rest[1:]
	}
	if action == ActionL2CAPRegister {
		if len(rest) > 0 {
			return out, fmt.Errorf("%s: unexpected %q", action, strings.Join(rest, " "))
		}
		return out, nil
	}
	for len(rest) > 0 {
		if len(rest) < 2 {
			return out, fmt.Errorf("%s: %q needs a value", action, rest[0])
		}
		n, err := strconv.Atoi(rest[1])
		if err != nil || n < 0 {
			return out, fmt.Errorf("%s: invalid %s %q", action, rest[0], rest[1])
		}
		switch rest[0] {
		case "sec":
			out.Sec = n
		case "chan":
			out.ChanID = n
		default:
			return out, fmt.Errorf("%s: unknown option %q", action, rest[0])
		}
		rest = rest[2:]
	}
	return out, nil
}
