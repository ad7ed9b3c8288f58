/*
Package errors implements the coded errors used across the atomic swap
engine.

The idea is to reuse as many errors from this package as possible and define
custom package errors only when absolutely necessary. Each root error carries
a numeric code so that the kind of a failure can be distinguished by callers
(and over any status API) without string matching.

For reusing errors use ErrXyz.New and ErrXyz.Newf. To register a custom root
error use Register(code, description).

There is also support for stacktraces. Ensure you create the error using
ErrXyz.New("...") or errors.Wrap(err, "...") at the point of creation to
attach a stacktrace. If you wrap multiple times, only the first wrap records
the stacktrace.

Once you have an error, you can use fmt.Printf/Sprintf to get more context
	%s is just the error message
	%+v is the full stack trace
	%v appends a compressed [filename:line] where the error was created
*/
package errors
