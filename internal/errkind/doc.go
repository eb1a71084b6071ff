// Package errkind defines the error kinds from spec.md §7 as markers usable
// with errors.Is, built on top of github.com/cockroachdb/errors so every
// error in the cluster core keeps a stack trace and safe-detail redaction
// without giving up Go's usual error-chain idioms. This generalizes the
// teacher's hand-rolled store.Error{Code, Msg} (a plain struct with a
// switch-based Error() method) into something that composes with
// errors.Is/errors.As across package boundaries.
package errkind
