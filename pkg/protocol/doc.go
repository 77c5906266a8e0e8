// Package protocol implements the DOIP segment grammar.
//
// A message is a sequence of segments followed by the empty segment "#\n".
// JSON segments are raw JSON text terminated by "\n#\n". Bytes segments start
// with '@' and carry chunks of the form "\n<decimal length>\n<bytes>", ended
// by the same "\n#\n" terminator:
//
//	{"a":"b"}
//	#
//	@
//	5
//	hello
//	#
//	#
//
// Reader decodes messages lazily from a buffered stream and Writer encodes
// them; both stream segment content instead of buffering whole payloads.
// The first segment of a request or response is a JSON object decoded into
// RequestHeader or ResponseHeader.
package protocol
