package rule

import "fmt"

// Validation errors are raised at plan activation, never at request time.

// Validate checks a plan's limitation policy for configuration errors:
// duplicate module or function keys, count rules without a quota,
// negative numeric fields, unknown enum values, and calendar windows
// with a size multiplier (calendar buckets are not naturally multiples,
// so that combination is rejected rather than given an anchor rule).
// This is a PURE function.
func Validate(p Plan) error {
	switch p.Limitation.DefaultAction {
	case ActionAllow, ActionBlock, "":
	default:
		return fmt.Errorf("plan %q: unknown default_action %q", p.ID, p.Limitation.DefaultAction)
	}

	seenMod := make(map[string]bool)
	for _, m := range p.Limitation.Modules {
		if m.Key == "" {
			return fmt.Errorf("plan %q: module with empty key", p.ID)
		}
		if seenMod[m.Key] {
			return fmt.Errorf("plan %q: duplicate module key %q", p.ID, m.Key)
		}
		seenMod[m.Key] = true

		if m.ModuleRule != nil {
			if err := validateRule(*m.ModuleRule, p.ID, m.Key); err != nil {
				return err
			}
		}

		seenFn := make(map[string]bool)
		for _, f := range m.Functions {
			if f.Key == "" {
				return fmt.Errorf("plan %q module %q: function with empty key", p.ID, m.Key)
			}
			if seenFn[f.Key] {
				return fmt.Errorf("plan %q module %q: duplicate function key %q", p.ID, m.Key, f.Key)
			}
			seenFn[f.Key] = true
			if err := validateRule(f, p.ID, m.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateRule(r FunctionRule, planID, moduleKey string) error {
	where := fmt.Sprintf("plan %q module %q rule %q", planID, moduleKey, r.Key)

	switch r.Type {
	case TypeCount:
		if r.Quota == nil {
			return fmt.Errorf("%s: count rule missing quota", where)
		}
		if *r.Quota < 0 {
			return fmt.Errorf("%s: negative quota", where)
		}
	case TypeUnlimited:
	default:
		return fmt.Errorf("%s: unknown type %q", where, r.Type)
	}

	if r.Burst < 0 {
		return fmt.Errorf("%s: negative burst", where)
	}
	if r.Concurrency != nil && *r.Concurrency < 0 {
		return fmt.Errorf("%s: negative concurrency", where)
	}

	if r.Type != TypeCount {
		return nil
	}

	switch r.WindowUnit {
	case UnitMinute, UnitHour, UnitDay, UnitWeek, UnitMonth:
	case UnitLifetime:
		// Window type and size are meaningless for lifetime rules.
		return nil
	default:
		return fmt.Errorf("%s: unknown window_unit %q", where, r.WindowUnit)
	}

	switch r.WindowType {
	case WindowCalendar:
		if r.WindowSize > 1 {
			return fmt.Errorf("%s: calendar window with window_size %d (multiples of calendar buckets are ambiguous)", where, r.WindowSize)
		}
	case WindowRolling:
	default:
		return fmt.Errorf("%s: unknown window_type %q", where, r.WindowType)
	}

	if r.WindowSize < 0 {
		return fmt.Errorf("%s: negative window_size", where)
	}
	return nil
}
