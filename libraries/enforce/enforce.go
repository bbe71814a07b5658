package enforce

import (
	"fmt"

	"github.com/greymass/kvs/libraries/logger"
)

// Violation is the panic value raised by ENFORCE.
type Violation struct {
	Msg string
	Err error
}

func (v *Violation) Error() string {
	if v.Err != nil {
		return fmt.Sprintf("%s: %v", v.Msg, v.Err)
	}
	return v.Msg
}

func (v *Violation) Unwrap() error { return v.Err }

// ENFORCE panics when query is false or a non-nil error. It is meant for
// invariants whose failure leaves the process in an unusable state.
func ENFORCE(query any, args ...any) {
	var v *Violation
	switch t := query.(type) {
	case bool:
		if !t {
			v = &Violation{Msg: fmt.Sprint(args...)}
		}
	case error:
		if t != nil {
			v = &Violation{Msg: fmt.Sprint(args...), Err: t}
		}
	}
	if v == nil {
		return
	}
	logger.Printf("enforce", "ENFORCE: %v", v)
	panic(v)
}
