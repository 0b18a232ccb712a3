package probe

import "github.com/jnesss/eventstrace/locator"

// Kernel functions hooked through the argument locator.
const (
	FuncVfsUnlink     = "vfs_unlink"
	FuncTCPV4Connect  = "tcp_v4_connect"
	FuncTCPV6Connect  = "tcp_v6_connect"
	FuncInetCskAccept = "inet_csk_accept"
	FuncTCPClose      = "tcp_close"
	FuncKsysSetsid    = "ksys_setsid"
)

// Wants lists the slots each hooked function needs, for deriving a table
// from kernel BTF.
func Wants() map[string]locator.Want {
	return map[string]locator.Want{
		FuncVfsUnlink:     {Args: []string{"dentry"}, Ret: true},
		FuncTCPV4Connect:  {Args: []string{"sk"}, Ret: true},
		FuncTCPV6Connect:  {Args: []string{"sk"}, Ret: true},
		FuncInetCskAccept: {Ret: true},
		FuncTCPClose:      {Args: []string{"sk"}},
		FuncKsysSetsid:    {Ret: true},
	}
}

func arg(name string, index int, mode locator.Mode) locator.Slot {
	s := locator.Slot{Kind: locator.SlotArg, Name: name, Exists: true}
	if mode == locator.ModeTrampoline {
		s.Rule = locator.Rule{Source: locator.SourceContext, Offset: uint32(index * 8)}
	} else {
		s.Rule = locator.Rule{Source: locator.SourceRegister, Register: index}
	}
	return s
}

func ret(nargs int, mode locator.Mode) locator.Slot {
	s := locator.Slot{Kind: locator.SlotRet, Exists: true}
	if mode == locator.ModeTrampoline {
		s.Rule = locator.Rule{Source: locator.SourceContext, Offset: uint32(nargs * 8)}
	} else {
		s.Rule = locator.Rule{Source: locator.SourceReturnRegister}
	}
	return s
}

// DefaultTable returns slot locations for 5.12 and later kernels, where
// vfs_unlink takes the mount idmapping as its first argument.
func DefaultTable(mode locator.Mode) locator.Table {
	return locator.Table{
		FuncVfsUnlink:     {arg("dentry", 2, mode), ret(4, mode)},
		FuncTCPV4Connect:  {arg("sk", 0, mode), ret(3, mode)},
		FuncTCPV6Connect:  {arg("sk", 0, mode), ret(3, mode)},
		FuncInetCskAccept: {ret(4, mode)},
		FuncTCPClose:      {arg("sk", 0, mode)},
		FuncKsysSetsid:    {ret(0, mode)},
	}
}
