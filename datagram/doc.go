// Package datagram implements the binary layouts of the media plane
// datagrams exchanged over UDP.
//
// Every datagram starts with a big-endian prefix:
//
//	magic:u32 (0x56464450) | type:u16
//
// followed by a type specific body:
//
//	Video:     flags:u8 | sender:u32 | frame_id:u64 | index:u16 | count:u16 | size:u16 | payload
//	Auth:      size:u16 | token
//	Recovery:  sender:u32
//	KeepAlive: (empty)
//
// Parse validates the prefix and copies variable length fields out of the
// input, so every decoded datagram owns its bytes.
package datagram
