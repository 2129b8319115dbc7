// Package wire implements the message encoding for the wirecall socket
// plane and the extended JSON codec shared by both transports.
//
// # Wire Format
//
// A socket carries line-delimited text frames. Every regular frame is one
// envelope, encoded as extended JSON, terminated by '\n':
//
//	{"type":"methodCall","payload":{"callId":1,"serverSessionClassId":"BookService","methodName":"getBook","args":["a"]}}
//	{"type":"methodCallResult","payload":{"callId":1,"result":["a",null],"httpStatusCode":200}}
//
// A fatal frame is not JSON. It is the literal text
//
//	[Error] <message>
//
// and the connection closes right after it is sent.
//
// # Envelope Types
//
//   - methodCall                                  client -> server
//   - methodCallResult                            server -> client
//   - callbackCall                                server -> client
//   - callbackResult                              client -> server
//   - getVersion                                  client -> server (reserved)
//   - setHttpCookieSessionAndSecurityProperties   client -> server
//   - downCallError                               server -> client
//
// Unknown envelope types are a protocol violation. Unknown minor codes
// inside getVersion are not; that envelope is reserved for feature
// negotiation and must stay forward-compatible.
//
// # Extended JSON
//
// Plain JSON cannot distinguish undefined from null and cannot carry big
// integers or dates without loss. The codec extends JSON through tagged
// strings:
//
//	undefined            "!undefined"
//	big integer          "!BigInt:9007199254740992"
//	timestamp            "!Date:2024-05-04T10:00:00.000Z"
//	literal "!..."       "!!..."
//
// Every other value is standard JSON. Decoding reverses the tags, so
// undefined round-trips as Undefined, big integers as *big.Int and dates
// as time.Time.
//
// # Limits
//
// Frames are capped by Limits.MaxFrameBytes and value trees by
// Limits.MaxDepth. Both exist to keep a hostile peer from ballooning
// memory or recursing the decoder; exceeding either is fatal for the
// connection.
package wire
