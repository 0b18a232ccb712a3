// Package locator maps a probe's logical argument and return-value slots to
// physical locations supplied at load time. One probe body serves kernels
// whose function signatures differ by consulting a table instead of
// hardcoding register numbers or context offsets.
package locator

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// NumArgRegisters is the number of argument registers a kprobe can
	// address (PT_REGS_PARM1 through PT_REGS_PARM5).
	NumArgRegisters = 5

	// MaxContextArgs bounds the trampoline context: one 64-bit word per
	// traced argument plus one for the return value.
	MaxContextArgs = 13

	wordSize = 8
)

var (
	ErrRegisterRange = errors.New("locator: register index out of range")
	ErrOffsetRange   = errors.New("locator: context offset out of range")
	ErrUnknownProbe  = errors.New("locator: unknown probe")
	ErrUnknownSlot   = errors.New("locator: unknown slot")
	ErrSlotAbsent    = errors.New("locator: slot absent on this kernel")
	ErrInvalidTable  = errors.New("locator: invalid table")
)

// SlotKind distinguishes argument slots from the return value.
type SlotKind uint8

const (
	SlotArg SlotKind = iota
	SlotRet
)

func (k SlotKind) String() string {
	if k == SlotRet {
		return "ret"
	}
	return "arg"
}

// Source selects where a slot's value is found.
type Source uint8

const (
	// SourceRegister reads one of the argument registers.
	SourceRegister Source = iota
	// SourceContext reads a 64-bit word at a byte offset into the
	// trampoline context.
	SourceContext
	// SourceReturnRegister reads the return-value register.
	SourceReturnRegister
)

func (s Source) String() string {
	switch s {
	case SourceRegister:
		return "register"
	case SourceContext:
		return "context"
	case SourceReturnRegister:
		return "return_register"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// Rule is the resolution rule of one slot.
type Rule struct {
	Source   Source
	Register int
	Offset   uint32
}

// Slot is one logical argument or the return value of a probed function.
// Exists is false when the current kernel's signature lacks the argument.
type Slot struct {
	Kind   SlotKind
	Name   string
	Rule   Rule
	Exists bool
}

// Table maps a probed function name to its ordered slots.
type Table map[string][]Slot

// Merge returns a copy of t where every probe present in override replaces
// the probe of the same name.
func (t Table) Merge(override Table) Table {
	out := make(Table, len(t)+len(override))
	for name, slots := range t {
		out[name] = append([]Slot(nil), slots...)
	}
	for name, slots := range override {
		out[name] = append([]Slot(nil), slots...)
	}
	return out
}

// Context is the machine state visible to a probe invocation: the argument
// registers and return register of a kprobe, or the argument words of a
// trampoline program.
type Context struct {
	Regs [NumArgRegisters]uint64
	RC   uint64
	Data []byte
}

// SetWord stores v as the i-th trampoline context word, growing Data.
func (c *Context) SetWord(i int, v uint64) {
	need := (i + 1) * wordSize
	if len(c.Data) < need {
		grown := make([]byte, need)
		copy(grown, c.Data)
		c.Data = grown
	}
	binary.LittleEndian.PutUint64(c.Data[i*wordSize:], v)
}

type compiled struct {
	args map[string]Slot
	ret  *Slot
}

// Locator is a validated Table ready for resolution.
type Locator struct {
	probes map[string]compiled
}

// Compile validates every rule of t. Out-of-range registers and offsets are
// reported here, at attachment time, rather than at capture time.
func Compile(t Table) (*Locator, error) {
	l := &Locator{probes: make(map[string]compiled, len(t))}
	for probe, slots := range t {
		c := compiled{args: make(map[string]Slot, len(slots))}
		for _, s := range slots {
			if err := validate(s); err != nil {
				return nil, fmt.Errorf("probe %s %s %q: %w", probe, s.Kind, s.Name, err)
			}
			switch s.Kind {
			case SlotRet:
				if c.ret != nil {
					return nil, fmt.Errorf("%w: probe %s has two return slots", ErrInvalidTable, probe)
				}
				ret := s
				c.ret = &ret
			case SlotArg:
				if s.Name == "" {
					return nil, fmt.Errorf("%w: probe %s has an unnamed argument", ErrInvalidTable, probe)
				}
				if _, dup := c.args[s.Name]; dup {
					return nil, fmt.Errorf("%w: probe %s argument %q listed twice", ErrInvalidTable, probe, s.Name)
				}
				c.args[s.Name] = s
			default:
				return nil, fmt.Errorf("%w: probe %s slot kind %d", ErrInvalidTable, probe, s.Kind)
			}
		}
		l.probes[probe] = c
	}
	return l, nil
}

func validate(s Slot) error {
	if !s.Exists {
		return nil
	}
	switch s.Rule.Source {
	case SourceRegister:
		if s.Rule.Register < 0 || s.Rule.Register >= NumArgRegisters {
			return fmt.Errorf("%w: %d", ErrRegisterRange, s.Rule.Register)
		}
	case SourceContext:
		if s.Rule.Offset%wordSize != 0 || s.Rule.Offset/wordSize >= MaxContextArgs {
			return fmt.Errorf("%w: %d", ErrOffsetRange, s.Rule.Offset)
		}
	case SourceReturnRegister:
		if s.Kind != SlotRet {
			return fmt.Errorf("%w: return register used for an argument", ErrInvalidTable)
		}
	default:
		return fmt.Errorf("%w: source %s", ErrInvalidTable, s.Rule.Source)
	}
	return nil
}

// Exists reports whether the named argument is meaningful on this kernel.
func (l *Locator) Exists(probe, name string) bool {
	c, ok := l.probes[probe]
	if !ok {
		return false
	}
	s, ok := c.args[name]
	return ok && s.Exists
}

// Arg resolves the named argument of probe against ctx.
func (l *Locator) Arg(probe, name string, ctx *Context) (uint64, error) {
	c, ok := l.probes[probe]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProbe, probe)
	}
	s, ok := c.args[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s argument %q", ErrUnknownSlot, probe, name)
	}
	return resolve(probe, s, ctx)
}

// Ret resolves the return value of probe against ctx.
func (l *Locator) Ret(probe string, ctx *Context) (uint64, error) {
	c, ok := l.probes[probe]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProbe, probe)
	}
	if c.ret == nil {
		return 0, fmt.Errorf("%w: %s return value", ErrUnknownSlot, probe)
	}
	return resolve(probe, *c.ret, ctx)
}

func resolve(probe string, s Slot, ctx *Context) (uint64, error) {
	if !s.Exists {
		return 0, fmt.Errorf("%w: %s %s %q", ErrSlotAbsent, probe, s.Kind, s.Name)
	}
	switch s.Rule.Source {
	case SourceRegister:
		return ctx.Regs[s.Rule.Register], nil
	case SourceReturnRegister:
		return ctx.RC, nil
	case SourceContext:
		off := int(s.Rule.Offset)
		if off+wordSize > len(ctx.Data) {
			return 0, fmt.Errorf("%w: %s offset %d beyond %d-byte context", ErrOffsetRange, probe, off, len(ctx.Data))
		}
		return binary.LittleEndian.Uint64(ctx.Data[off:]), nil
	}
	return 0, fmt.Errorf("%w: source %s", ErrInvalidTable, s.Rule.Source)
}
