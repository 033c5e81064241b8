// Package errors classifies failures raised by the triage pipeline.
//
// Every error falls into one of three classes:
//
//   - Transient: storage or network trouble that may clear on its own
//   - Invalid: a malformed event, unknown identifier or bad configuration
//   - Fatal: a broken storage invariant that needs an operator
//
// Components wrap errors with the "component.method: action failed: %w"
// convention so that logs and client responses carry where the failure
// happened while errors.Is and errors.As keep working on the chain:
//
//	if err := store.CreateConfig(ctx, cfg); err != nil {
//	    return errs.WrapTransient(err, "sqlstore", "CreateConfig", "insert configuration")
//	}
//
// The gateway relies on the classes to pick status codes: Invalid becomes
// 400, ErrKeyNotFound becomes 404 and everything else becomes 500.
package errors
