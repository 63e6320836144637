// Package errors classifies failures into three buckets that drive the bridge's
// failure policy:
//
//   - transient: broker or local transport hiccups. Connection errors are
//     retried forever by broker.Dial and never reach the relay logic.
//   - invalid: bad input such as an unknown message type or a malformed
//     subscription request. The offending item is logged and skipped.
//   - fatal: control-plane failures (registration publish, request subscribe).
//     The process logs the error and exits non-zero so a supervisor restarts it.
//
// Wrapping follows "component.method: action failed: cause":
//
//	return errors.WrapFatal(err, "Registrar", "tick", "publish registration")
//
// Classification survives further wrapping with fmt.Errorf("...: %w", err)
// because IsFatal and friends use errors.As.
package errors
