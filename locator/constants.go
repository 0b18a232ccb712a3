package locator

import "fmt"

// Names of the load-time constants a compiled probe object declares for
// each slot.
func ArgConstant(probe, arg string) string    { return fmt.Sprintf("arg__%s__%s__", probe, arg) }
func ExistsConstant(probe, arg string) string { return fmt.Sprintf("exists__%s__%s__", probe, arg) }
func RetConstant(probe string) string         { return fmt.Sprintf("ret__%s__", probe) }

// Constants flattens t into the constant assignments expected by the probe
// object. Register rules store the register index, context rules store the
// byte offset. The return register needs no constant.
func (t Table) Constants() map[string]any {
	out := make(map[string]any)
	for probe, slots := range t {
		for _, s := range slots {
			var value int32
			switch s.Rule.Source {
			case SourceRegister:
				value = int32(s.Rule.Register)
			case SourceContext:
				value = int32(s.Rule.Offset)
			default:
				continue
			}
			if s.Kind == SlotRet {
				out[RetConstant(probe)] = value
				continue
			}
			out[ArgConstant(probe, s.Name)] = value
			out[ExistsConstant(probe, s.Name)] = s.Exists
		}
	}
	return out
}
