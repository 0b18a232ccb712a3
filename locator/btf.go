package locator

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/btf"
)

// Mode selects the attachment style a table is derived for.
type Mode uint8

const (
	// ModeKprobe resolves arguments from registers and the return value
	// from the return register.
	ModeKprobe Mode = iota
	// ModeTrampoline resolves arguments and the return value from the
	// fentry/fexit context, where argument i is the i-th 64-bit word and
	// the return value follows the last argument.
	ModeTrampoline
)

// TypeSource looks up kernel types by name. *btf.Spec satisfies it.
type TypeSource interface {
	AnyTypeByName(name string) (btf.Type, error)
}

// Want names the arguments a probe needs from one kernel function and
// whether it needs the return value.
type Want struct {
	Args []string
	Ret  bool
}

// FromBTF derives a Table from the kernel's function prototypes. An argument
// missing from a prototype is recorded with Exists false; a missing function
// is an error.
func FromBTF(types TypeSource, mode Mode, wants map[string]Want) (Table, error) {
	t := make(Table, len(wants))
	for fn, want := range wants {
		proto, err := funcProto(types, fn)
		if err != nil {
			return nil, err
		}
		var slots []Slot
		for _, name := range want.Args {
			slot := Slot{Kind: SlotArg, Name: name}
			if i := paramIndex(proto, name); i >= 0 {
				slot.Exists = true
				switch mode {
				case ModeKprobe:
					if i >= NumArgRegisters {
						return nil, fmt.Errorf("%s argument %q: %w: %d", fn, name, ErrRegisterRange, i)
					}
					slot.Rule = Rule{Source: SourceRegister, Register: i}
				case ModeTrampoline:
					slot.Rule = Rule{Source: SourceContext, Offset: uint32(i * wordSize)}
				}
			}
			slots = append(slots, slot)
		}
		if want.Ret {
			slot := Slot{Kind: SlotRet, Exists: true}
			if mode == ModeTrampoline {
				slot.Rule = Rule{Source: SourceContext, Offset: uint32(len(proto.Params) * wordSize)}
			} else {
				slot.Rule = Rule{Source: SourceReturnRegister}
			}
			slots = append(slots, slot)
		}
		t[fn] = slots
	}
	return t, nil
}

func funcProto(types TypeSource, fn string) (*btf.FuncProto, error) {
	typ, err := types.AnyTypeByName(fn)
	if err != nil {
		if errors.Is(err, btf.ErrNotFound) {
			return nil, fmt.Errorf("%w: no BTF for function %s", ErrUnknownProbe, fn)
		}
		return nil, fmt.Errorf("looking up %s: %w", fn, err)
	}
	f, ok := typ.(*btf.Func)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %T, not a function", ErrUnknownProbe, fn, typ)
	}
	proto, ok := f.Type.(*btf.FuncProto)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no prototype", ErrUnknownProbe, fn)
	}
	return proto, nil
}

func paramIndex(proto *btf.FuncProto, name string) int {
	for i, p := range proto.Params {
		if p.Name == name {
			return i
		}
	}
	return -1
}
